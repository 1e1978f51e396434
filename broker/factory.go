package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/registry"
	"github.com/apex/log"
)

// SessionBuilder build an unconnected ProtocolSession for a target broker
type SessionBuilder func(
	target BrokerTarget, onTeardown SessionTeardownCB,
) (ProtocolSession, error)

// DefaultSessionBuilder SessionBuilder producing native AMQP sessions
func DefaultSessionBuilder(
	dialDefaults common.AmqpConnectConfig, instance string, persistCB PausePersistFunc,
) SessionBuilder {
	return func(target BrokerTarget, onTeardown SessionTeardownCB) (ProtocolSession, error) {
		return DefineProtocolSession(target, dialDefaults, instance, persistCB, onTeardown)
	}
}

// SessionFactory the only component which creates ProtocolSessions. Consults
// the connection registry before connecting, registers on success, and
// deregisters on teardown.
//
// Per broker ID the session moves absent -> connecting -> live -> absent. A
// brief duplicate-connect race is tolerated; whichever connect completes
// last overwrites the cache entry. Admission is re-checked per call.
type SessionFactory interface {
	// CreateClient return a cached live session for the broker, or admit,
	// build, connect, register and cache a new one
	CreateClient(target BrokerTarget, ctxt context.Context) (ProtocolSession, error)
	// GetClient cache lookup only, no side effects
	GetClient(brokerID string) ProtocolSession
	// RemoveClient evict from cache and release the registry entry
	RemoveClient(brokerID string, ctxt context.Context) error
	// CleanupAll tear down every cached session and release every registry
	// entry owned by this process
	CleanupAll(ctxt context.Context) error
}

// sessionFactoryImpl implements SessionFactory
type sessionFactoryImpl struct {
	common.Component
	connections  registry.ConnectionRegistry
	builder      SessionBuilder
	maxPerBroker int
	cache        map[string]ProtocolSession
	lclMutex     sync.Mutex
}

// DefineSessionFactory create a session factory
func DefineSessionFactory(
	connections registry.ConnectionRegistry,
	builder SessionBuilder,
	maxPerBroker int,
	instance string,
) (SessionFactory, error) {
	logTags := log.Fields{
		"module": "broker", "component": "session-factory", "instance": instance,
	}
	return &sessionFactoryImpl{
		Component:    common.Component{LogTags: logTags},
		connections:  connections,
		builder:      builder,
		maxPerBroker: maxPerBroker,
		cache:        make(map[string]ProtocolSession),
	}, nil
}

// CreateClient return a cached live session for the broker, or admit, build,
// connect, register and cache a new one
func (f *sessionFactoryImpl) CreateClient(
	target BrokerTarget, ctxt context.Context,
) (ProtocolSession, error) {
	f.lclMutex.Lock()
	if existing, ok := f.cache[target.ID]; ok && existing.IsLive() {
		f.lclMutex.Unlock()
		return existing, nil
	}
	f.lclMutex.Unlock()

	if !f.connections.CanCreateConnection(target.ID, f.maxPerBroker, ctxt) {
		current := f.maxPerBroker
		if stats, err := f.connections.GetConnectionStats(
			target.ID, f.maxPerBroker, ctxt,
		); err == nil {
			current = stats.Active
		}
		err := common.LimitExceededError{
			BrokerID: target.ID, Current: current, Max: f.maxPerBroker,
		}
		log.WithError(err).WithFields(f.LogTags).Warnf(
			"Connection admission denied for broker %s", target.ID,
		)
		return nil, err
	}

	session, err := f.builder(target, f.handleSessionTeardown)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to define session for broker %s", target.ID,
		)
		return nil, err
	}
	if err := session.Connect(ctxt); err != nil {
		return nil, err
	}

	// Losing the registration write must not abort a connection which already
	// succeeded against the broker; the soft cap just loses one entry.
	if err := f.connections.RegisterConnection(
		target.ID, fmt.Sprintf("%s:%d/%s", target.Host, target.Port, target.VHost), ctxt,
	); err != nil {
		log.WithError(err).WithFields(f.LogTags).Warnf(
			"Failed to register connection for broker %s", target.ID,
		)
	}

	f.lclMutex.Lock()
	f.cache[target.ID] = session
	f.lclMutex.Unlock()

	log.WithFields(f.LogTags).Infof("Created session for broker %s", target.ID)
	return session, nil
}

// GetClient cache lookup only, no side effects
func (f *sessionFactoryImpl) GetClient(brokerID string) ProtocolSession {
	f.lclMutex.Lock()
	defer f.lclMutex.Unlock()
	return f.cache[brokerID]
}

// RemoveClient evict from cache, tear the session down, and release the
// registry entry
func (f *sessionFactoryImpl) RemoveClient(brokerID string, ctxt context.Context) error {
	f.lclMutex.Lock()
	session := f.cache[brokerID]
	delete(f.cache, brokerID)
	f.lclMutex.Unlock()

	if session != nil {
		if err := session.Disconnect(ctxt); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf(
				"Session teardown failed for broker %s", brokerID,
			)
		}
	}
	return f.connections.RemoveConnection(brokerID, ctxt)
}

// handleSessionTeardown notification from a session that its connection is
// gone. Evicts the dead cache entry and releases the registry entry.
//
// A notification can arrive late, after a replacement session was already
// built for the same broker. In that case the cache holds a live session and
// its registry entry must not be removed.
func (f *sessionFactoryImpl) handleSessionTeardown(brokerID string) {
	f.lclMutex.Lock()
	cached, cacheHeld := f.cache[brokerID]
	if cacheHeld && !cached.IsLive() {
		delete(f.cache, brokerID)
		cacheHeld = false
	}
	f.lclMutex.Unlock()

	if cacheHeld {
		log.WithFields(f.LogTags).Infof(
			"Ignoring stale teardown notification for broker %s. A live session holds the entry",
			brokerID,
		)
		return
	}

	if err := f.connections.RemoveConnection(brokerID, context.Background()); err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Failed to release registry entry for broker %s", brokerID,
		)
	}
	log.WithFields(f.LogTags).Infof("Session for broker %s torn down", brokerID)
}

// CleanupAll tear down every cached session and release every registry entry
// owned by this process. Per-session failures are logged and do not abort
// the rest.
func (f *sessionFactoryImpl) CleanupAll(ctxt context.Context) error {
	f.lclMutex.Lock()
	sessions := make(map[string]ProtocolSession, len(f.cache))
	for brokerID, session := range f.cache {
		sessions[brokerID] = session
	}
	f.cache = make(map[string]ProtocolSession)
	f.lclMutex.Unlock()

	for brokerID, session := range sessions {
		if err := session.Disconnect(ctxt); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf(
				"Shutdown teardown failed for broker %s", brokerID,
			)
		}
	}
	return f.connections.CleanupAllConnections(ctxt)
}
