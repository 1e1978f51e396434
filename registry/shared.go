package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/storage"
	"github.com/apex/log"
)

// sharedConnectionRegistry ConnectionRegistry backed by the shared store, for
// multi-instance deployments. One hash per broker ID, mapping instance ID to
// its connection entry; the hash TTL is refreshed on every write so entries
// of a crashed instance self-heal once the window passes. A renewal loop
// rewrites this instance's live entries well within the TTL window, so only
// entries whose owner stopped renewing ever lapse.
//
// A store outage during the admission check degrades to fail-open: the
// connection is permitted and a warning logged. Availability is prioritized
// over strict enforcement.
type sharedConnectionRegistry struct {
	common.Component
	store        storage.KeyValueStore
	instance     string
	keyPrefix    string
	entryTTL     time.Duration
	renewEvery   time.Duration
	renewalTimer common.IntervalTimer
	registered   map[string]ConnectionEntry
	lclMutex     sync.Mutex
}

// DefineSharedConnectionRegistry create a shared store backed connection
// registry. The entry renewal loop is not running until StartBackgroundTasks
// is called.
func DefineSharedConnectionRegistry(
	dataStore storage.KeyValueStore,
	instance string,
	keyPrefix string,
	entryTTL time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connections-shared", "instance": instance,
	}
	renewalTimer, err := common.GetIntervalTimerInstance(
		"connection-entry-renewal", rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &sharedConnectionRegistry{
		Component:    common.Component{LogTags: logTags},
		store:        dataStore,
		instance:     instance,
		keyPrefix:    keyPrefix,
		entryTTL:     entryTTL,
		renewEvery:   entryTTL / 3,
		renewalTimer: renewalTimer,
		registered:   make(map[string]ConnectionEntry),
	}, nil
}

func (r *sharedConnectionRegistry) brokerKey(brokerID string) string {
	return fmt.Sprintf("%s/connections/%s", r.keyPrefix, brokerID)
}

// CanCreateConnection true iff the live entry count for brokerID is below max.
// Fails open on store outage.
func (r *sharedConnectionRegistry) CanCreateConnection(
	brokerID string, max int, ctxt context.Context,
) bool {
	count, err := r.store.HashLen(r.brokerKey(brokerID), ctxt)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Connection count check for broker %s failed. Permitting connection", brokerID,
		)
		return true
	}
	return int(count) < max
}

// RegisterConnection insert or refresh this process's entry for brokerID
func (r *sharedConnectionRegistry) RegisterConnection(
	brokerID, label string, ctxt context.Context,
) error {
	entry := ConnectionEntry{
		InstanceID: r.instance,
		BrokerID:   brokerID,
		Label:      label,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.HashSet(
		r.brokerKey(brokerID), r.instance, entry, r.entryTTL, ctxt,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to register connection for broker %s", brokerID,
		)
		return err
	}
	r.lclMutex.Lock()
	r.registered[brokerID] = entry
	r.lclMutex.Unlock()
	log.WithFields(r.LogTags).Infof("Registered connection for broker %s", brokerID)
	return nil
}

// RemoveConnection delete this process's entry for brokerID
func (r *sharedConnectionRegistry) RemoveConnection(
	brokerID string, ctxt context.Context,
) error {
	if err := r.store.HashDelete(
		r.brokerKey(brokerID), []string{r.instance}, ctxt,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to remove connection entry for broker %s", brokerID,
		)
		return err
	}
	r.lclMutex.Lock()
	delete(r.registered, brokerID)
	r.lclMutex.Unlock()
	log.WithFields(r.LogTags).Infof("Removed connection entry for broker %s", brokerID)
	return nil
}

// GetConnectionStats list all known entries for a broker
func (r *sharedConnectionRegistry) GetConnectionStats(
	brokerID string, max int, ctxt context.Context,
) (ConnectionStats, error) {
	raw, err := r.store.HashGetAll(r.brokerKey(brokerID), ctxt)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to read connection entries for broker %s", brokerID,
		)
		return ConnectionStats{}, err
	}
	stats := ConnectionStats{Max: max, Entries: []ConnectionEntry{}}
	for instance, value := range raw {
		var entry ConnectionEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Connection entry of instance %s for broker %s is malformed", instance, brokerID,
			)
			continue
		}
		stats.Entries = append(stats.Entries, entry)
	}
	stats.Active = len(stats.Entries)
	return stats, nil
}

// CleanupAllConnections remove every entry owned by this process across all
// brokers. Per-broker failures are logged and do not abort the rest.
func (r *sharedConnectionRegistry) CleanupAllConnections(ctxt context.Context) error {
	r.lclMutex.Lock()
	brokers := make([]string, 0, len(r.registered))
	for brokerID := range r.registered {
		brokers = append(brokers, brokerID)
	}
	r.lclMutex.Unlock()
	for _, brokerID := range brokers {
		if err := r.RemoveConnection(brokerID, ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Shutdown cleanup failed for broker %s", brokerID,
			)
		}
	}
	log.WithFields(r.LogTags).Info("Cleared all connection entries owned by this instance")
	return nil
}

// renewRegisteredEntries rewrite every live entry owned by this process so
// its TTL window restarts. Per-entry failures are logged and do not abort
// the rest; a missed renewal is recovered on the next pass.
func (r *sharedConnectionRegistry) renewRegisteredEntries(ctxt context.Context) error {
	r.lclMutex.Lock()
	entries := make(map[string]ConnectionEntry, len(r.registered))
	for brokerID, entry := range r.registered {
		entries[brokerID] = entry
	}
	r.lclMutex.Unlock()
	for brokerID, entry := range entries {
		if err := r.store.HashSet(
			r.brokerKey(brokerID), r.instance, entry, r.entryTTL, ctxt,
		); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Failed to renew connection entry for broker %s", brokerID,
			)
		}
	}
	if len(entries) > 0 {
		log.WithFields(r.LogTags).Debugf("Renewed %d connection entries", len(entries))
	}
	return nil
}

// StartBackgroundTasks start the entry renewal loop
func (r *sharedConnectionRegistry) StartBackgroundTasks() error {
	return r.renewalTimer.Start(r.renewEvery, func() error {
		useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		return r.renewRegisteredEntries(useContext)
	}, false)
}

// StopBackgroundTasks stop the entry renewal loop
func (r *sharedConnectionRegistry) StopBackgroundTasks() error {
	return r.renewalTimer.Stop()
}
