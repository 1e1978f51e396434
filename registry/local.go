package registry

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/apex/log"
)

// inProcessConnectionRegistry ConnectionRegistry for single-instance
// deployments. Keeps the directory in process memory; entries never expire
// as there is no remote crash to heal from.
type inProcessConnectionRegistry struct {
	common.Component
	instance string
	entries  map[string]ConnectionEntry
	lclMutex sync.Mutex
}

// DefineInProcessConnectionRegistry create an in-process connection registry
func DefineInProcessConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connections-local", "instance": instance,
	}
	return &inProcessConnectionRegistry{
		Component: common.Component{LogTags: logTags},
		instance:  instance,
		entries:   make(map[string]ConnectionEntry),
	}, nil
}

// CanCreateConnection true iff the live entry count for brokerID is below max
func (r *inProcessConnectionRegistry) CanCreateConnection(
	brokerID string, max int, ctxt context.Context,
) bool {
	r.lclMutex.Lock()
	defer r.lclMutex.Unlock()
	active := 0
	if _, ok := r.entries[brokerID]; ok {
		active = 1
	}
	return active < max
}

// RegisterConnection insert or refresh this process's entry for brokerID
func (r *inProcessConnectionRegistry) RegisterConnection(
	brokerID, label string, ctxt context.Context,
) error {
	r.lclMutex.Lock()
	defer r.lclMutex.Unlock()
	r.entries[brokerID] = ConnectionEntry{
		InstanceID: r.instance,
		BrokerID:   brokerID,
		Label:      label,
		CreatedAt:  time.Now().UTC(),
	}
	log.WithFields(r.LogTags).Infof("Registered connection for broker %s", brokerID)
	return nil
}

// RemoveConnection delete this process's entry for brokerID
func (r *inProcessConnectionRegistry) RemoveConnection(
	brokerID string, ctxt context.Context,
) error {
	r.lclMutex.Lock()
	defer r.lclMutex.Unlock()
	delete(r.entries, brokerID)
	log.WithFields(r.LogTags).Infof("Removed connection entry for broker %s", brokerID)
	return nil
}

// GetConnectionStats list all known entries for a broker
func (r *inProcessConnectionRegistry) GetConnectionStats(
	brokerID string, max int, ctxt context.Context,
) (ConnectionStats, error) {
	r.lclMutex.Lock()
	defer r.lclMutex.Unlock()
	stats := ConnectionStats{Max: max, Entries: []ConnectionEntry{}}
	if entry, ok := r.entries[brokerID]; ok {
		stats.Active = 1
		stats.Entries = append(stats.Entries, entry)
	}
	return stats, nil
}

// CleanupAllConnections remove every entry owned by this process
func (r *inProcessConnectionRegistry) CleanupAllConnections(ctxt context.Context) error {
	r.lclMutex.Lock()
	defer r.lclMutex.Unlock()
	r.entries = make(map[string]ConnectionEntry)
	log.WithFields(r.LogTags).Info("Cleared all connection entries")
	return nil
}

// StartBackgroundTasks in-process entries never expire, so there is no
// renewal loop to run
func (r *inProcessConnectionRegistry) StartBackgroundTasks() error {
	return nil
}

// StopBackgroundTasks no renewal loop is running
func (r *inProcessConnectionRegistry) StopBackgroundTasks() error {
	return nil
}
