package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/storage"
	"github.com/apex/log"
)

// SessionStatus lifecycle state of a streaming session
type SessionStatus string

// Streaming session lifecycle states
const (
	SessionActive   SessionStatus = "active"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
)

// StreamSession durable record of one long-lived client facing streaming
// subscription. The record is shared; the live cleanup closure is owned
// solely by the creating process.
type StreamSession struct {
	// SessionID unique session identifier
	SessionID string `json:"sessionId" validate:"required"`
	// UserID the user which initiated the subscription
	UserID string `json:"userId" validate:"required"`
	// BrokerID the target broker
	BrokerID string `json:"brokerId" validate:"required"`
	// QueueName the subscribed queue
	QueueName string `json:"queueName" validate:"required"`
	// InstanceID the process instance owning the live resources
	InstanceID string `json:"instanceId" validate:"required"`
	// StartTime when the subscription was established
	StartTime time.Time `json:"startTime"`
	// LastHeartbeat when the owner last refreshed the record
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	// Status the session lifecycle state
	Status SessionStatus `json:"status"`
}

// SessionCleanupFunc releases the live local resources of a session. Never
// serialized; invoked at most once, and only by the owning instance.
type SessionCleanupFunc func()

// HealthStats aggregate view of the session directory
type HealthStats struct {
	// Active the number of active sessions
	Active int `json:"active"`
	// Stopping the number of sessions marked stopping
	Stopping int `json:"stopping"`
	// PerInstance session count per owning instance
	PerInstance map[string]int `json:"perInstance"`
	// OldestSessionAge age of the oldest session
	OldestSessionAge time.Duration `json:"oldestSessionAge" swaggertype:"primitive,integer"`
	// MeanSessionDuration mean age across all sessions
	MeanSessionDuration time.Duration `json:"meanSessionDuration" swaggertype:"primitive,integer"`
}

// SessionRegistry durable directory of client facing streaming sessions.
//
// Any instance can mark a session for deletion; only the owning instance can
// run its cleanup closure. The staleness reaper guarantees eventual cleanup
// when the owner crashed without a graceful shutdown.
type SessionRegistry interface {
	// Register persist a session row tagged with this instance, keeping the
	// cleanup closure in local memory. Returns false on durable-write failure.
	Register(
		sessionID, userID, brokerID, queueName string,
		cleanup SessionCleanupFunc,
		ctxt context.Context,
	) bool
	// Stop stop one session from any instance. Returns false if unknown.
	Stop(sessionID string, ctxt context.Context) bool
	// StopByOwner stop every session of a user, returning the count stopped
	StopByOwner(userID string, ctxt context.Context) int
	// StopByBroker stop every session against a broker, returning the count stopped
	StopByBroker(brokerID string, ctxt context.Context) int
	// StopByInstance stop every session owned by an instance, returning the count stopped
	StopByInstance(instanceID string, ctxt context.Context) int
	// GetHealthStats aggregate counts for operational visibility
	GetHealthStats(ctxt context.Context) (HealthStats, error)
	// StartBackgroundTasks start the heartbeat and stale-reaper loops
	StartBackgroundTasks() error
	// StopBackgroundTasks stop the heartbeat and stale-reaper loops
	StopBackgroundTasks() error
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	store          storage.KeyValueStore
	tp             common.TaskProcessor
	instance       string
	storeKey       string
	heartbeatEvery time.Duration
	staleAfter     time.Duration
	reapEvery      time.Duration
	cleanups       map[string]SessionCleanupFunc
	heartbeatTimer common.IntervalTimer
	reaperTimer    common.IntervalTimer
}

// DefineSessionRegistry create a new streaming session registry. Background
// loops are not running until StartBackgroundTasks is called.
func DefineSessionRegistry(
	dataStore storage.KeyValueStore,
	tp common.TaskProcessor,
	instance string,
	keyPrefix string,
	params common.StreamSessionsConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (SessionRegistry, error) {
	logTags := log.Fields{
		"module": "stream", "component": "session-registry", "instance": instance,
	}
	heartbeatTimer, err := common.GetIntervalTimerInstance(
		"stream-session-heartbeat", rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	reaperTimer, err := common.GetIntervalTimerInstance("stream-session-reaper", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	registry := sessionRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		store:          dataStore,
		tp:             tp,
		instance:       instance,
		storeKey:       fmt.Sprintf("%s/stream-sessions", keyPrefix),
		heartbeatEvery: time.Second * time.Duration(params.HeartbeatInterval),
		staleAfter:     time.Second * time.Duration(params.StalenessThreshold),
		reapEvery:      time.Second * time.Duration(params.ReaperInterval),
		cleanups:       make(map[string]SessionCleanupFunc),
		heartbeatTimer: heartbeatTimer,
		reaperTimer:    reaperTimer,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionRegisterReq{}), registry.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionStopReq{}), registry.processStopRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionBulkStopReq{}), registry.processBulkStopRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionHeartbeatReq{}), registry.processHeartbeatRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionReapReq{}), registry.processReapRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionHealthReq{}), registry.processHealthRequest,
	); err != nil {
		return nil, err
	}
	return &registry, nil
}

// readCurrentSessions fetch all session rows. Malformed rows are logged and
// skipped.
func (r *sessionRegistryImpl) readCurrentSessions(
	ctxt context.Context,
) (map[string]StreamSession, error) {
	raw, err := r.store.HashGetAll(r.storeKey, ctxt)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to fetch session records %s", r.storeKey,
		)
		return nil, err
	}
	sessions := map[string]StreamSession{}
	for sessionID, value := range raw {
		var session StreamSession
		if err := json.Unmarshal([]byte(value), &session); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Session record %s is malformed", sessionID,
			)
			continue
		}
		sessions[sessionID] = session
	}
	return sessions, nil
}

func (r *sessionRegistryImpl) storeSession(session StreamSession, ctxt context.Context) error {
	if err := r.store.HashSet(r.storeKey, session.SessionID, session, 0, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to update session record %s", session.SessionID,
		)
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionRegisterReq struct {
	session  StreamSession
	cleanup  SessionCleanupFunc
	resultCB func(bool)
}

// Register persist a session row tagged with this instance, keeping the
// cleanup closure in local memory. Returns false on durable-write failure.
func (r *sessionRegistryImpl) Register(
	sessionID, userID, brokerID, queueName string,
	cleanup SessionCleanupFunc,
	ctxt context.Context,
) bool {
	complete := make(chan bool, 1)
	var registered bool
	handler := func(ok bool) {
		registered = ok
		complete <- true
	}

	now := time.Now().UTC()
	request := sessionRegisterReq{
		session: StreamSession{
			SessionID:     sessionID,
			UserID:        userID,
			BrokerID:      brokerID,
			QueueName:     queueName,
			InstanceID:    r.instance,
			StartTime:     now,
			LastHeartbeat: now,
			Status:        SessionActive,
		},
		cleanup:  cleanup,
		resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit register-session request",
		)
		return false
	}

	<-complete
	return registered
}

func (r *sessionRegistryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(sessionRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session register", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := r.storeSession(request.session, useContext); err != nil {
		request.resultCB(false)
		return err
	}
	if request.cleanup != nil {
		r.cleanups[request.session.SessionID] = request.cleanup
	}
	log.WithFields(r.LogTags).Infof(
		"Registered streaming session %s for user %s on queue %s@%s",
		request.session.SessionID,
		request.session.UserID,
		request.session.QueueName,
		request.session.BrokerID,
	)
	request.resultCB(true)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionStopReq struct {
	sessionID string
	resultCB  func(bool)
}

// Stop stop one session from any instance. Returns false if unknown.
//
// If the row belongs to another instance, the row is deleted and that
// instance's own stale reaper eventually frees its local resources. The
// cross-instance stop is best-effort, not synchronous.
func (r *sessionRegistryImpl) Stop(sessionID string, ctxt context.Context) bool {
	complete := make(chan bool, 1)
	var stopped bool
	handler := func(ok bool) {
		stopped = ok
		complete <- true
	}

	request := sessionStopReq{sessionID: sessionID, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit stop-session request")
		return false
	}

	<-complete
	return stopped
}

func (r *sessionRegistryImpl) processStopRequest(param interface{}) error {
	request, ok := param.(sessionStopReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session stop", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	var session StreamSession
	if err := r.store.HashGet(r.storeKey, request.sessionID, &session, useContext); err != nil {
		if err != storage.ErrKeyNotFound {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to fetch session record %s", request.sessionID,
			)
		}
		request.resultCB(false)
		return nil
	}

	r.stopSession(session, useContext)
	request.resultCB(true)
	return nil
}

// stopSession shared core of single and bulk stop. Runs on the event loop.
func (r *sessionRegistryImpl) stopSession(session StreamSession, ctxt context.Context) {
	session.Status = SessionStopping
	// Best effort; the row is deleted immediately after
	_ = r.storeSession(session, ctxt)

	if session.InstanceID == r.instance {
		if cleanup, ok := r.cleanups[session.SessionID]; ok {
			delete(r.cleanups, session.SessionID)
			cleanup()
		}
	} else {
		log.WithFields(r.LogTags).Infof(
			"Session %s belongs to instance %s. Its local resources will be reclaimed there",
			session.SessionID,
			session.InstanceID,
		)
	}

	if err := r.store.HashDelete(r.storeKey, []string{session.SessionID}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to delete session record %s", session.SessionID,
		)
	}
	log.WithFields(r.LogTags).Infof("Stopped streaming session %s", session.SessionID)
}

// ----------------------------------------------------------------------------------------

type sessionBulkStopReq struct {
	match    func(StreamSession) bool
	resultCB func(int)
}

func (r *sessionRegistryImpl) bulkStop(
	match func(StreamSession) bool, ctxt context.Context,
) int {
	complete := make(chan bool, 1)
	var stopped int
	handler := func(count int) {
		stopped = count
		complete <- true
	}

	request := sessionBulkStopReq{match: match, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit bulk-stop-sessions request",
		)
		return 0
	}

	<-complete
	return stopped
}

// StopByOwner stop every session of a user, returning the count stopped
func (r *sessionRegistryImpl) StopByOwner(userID string, ctxt context.Context) int {
	return r.bulkStop(func(session StreamSession) bool {
		return session.UserID == userID
	}, ctxt)
}

// StopByBroker stop every session against a broker, returning the count stopped
func (r *sessionRegistryImpl) StopByBroker(brokerID string, ctxt context.Context) int {
	return r.bulkStop(func(session StreamSession) bool {
		return session.BrokerID == brokerID
	}, ctxt)
}

// StopByInstance stop every session owned by an instance, returning the count stopped
func (r *sessionRegistryImpl) StopByInstance(instanceID string, ctxt context.Context) int {
	return r.bulkStop(func(session StreamSession) bool {
		return session.InstanceID == instanceID
	}, ctxt)
}

func (r *sessionRegistryImpl) processBulkStopRequest(param interface{}) error {
	request, ok := param.(sessionBulkStopReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for bulk session stop", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	sessions, err := r.readCurrentSessions(useContext)
	if err != nil {
		request.resultCB(0)
		return err
	}
	stopped := 0
	for _, session := range sessions {
		if request.match(session) {
			r.stopSession(session, useContext)
			stopped++
		}
	}
	request.resultCB(stopped)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionHeartbeatReq struct{}

func (r *sessionRegistryImpl) processHeartbeatRequest(param interface{}) error {
	if _, ok := param.(sessionHeartbeatReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session heartbeat", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	sessions, err := r.readCurrentSessions(useContext)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	refreshed := 0
	for _, session := range sessions {
		if session.InstanceID != r.instance || session.Status != SessionActive {
			continue
		}
		session.LastHeartbeat = now
		if err := r.storeSession(session, useContext); err == nil {
			refreshed++
		}
	}
	log.WithFields(r.LogTags).Debugf("Refreshed heartbeat of %d sessions", refreshed)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionReapReq struct{}

func (r *sessionRegistryImpl) processReapRequest(param interface{}) error {
	if _, ok := param.(sessionReapReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session reaping", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	sessions, err := r.readCurrentSessions(useContext)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	reaped := []string{}
	for _, session := range sessions {
		sinceHeartbeat := now.Sub(session.LastHeartbeat)
		if sinceHeartbeat <= r.staleAfter {
			continue
		}
		log.WithFields(r.LogTags).Infof(
			"Session %s last heartbeat at %s. Stale for %s",
			session.SessionID,
			session.LastHeartbeat.Format(time.RFC3339),
			sinceHeartbeat,
		)
		if session.InstanceID == r.instance {
			if cleanup, ok := r.cleanups[session.SessionID]; ok {
				delete(r.cleanups, session.SessionID)
				cleanup()
			}
		}
		if err := r.store.HashDelete(
			r.storeKey, []string{session.SessionID}, useContext,
		); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to delete stale session record %s", session.SessionID,
			)
			continue
		}
		reaped = append(reaped, session.SessionID)
	}
	if len(reaped) > 0 {
		log.WithFields(r.LogTags).Infof("Reaped stale sessions %v", reaped)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionHealthReq struct {
	resultCB func(HealthStats, error)
}

// GetHealthStats aggregate counts for operational visibility
func (r *sessionRegistryImpl) GetHealthStats(ctxt context.Context) (HealthStats, error) {
	complete := make(chan bool, 1)
	var stats HealthStats
	var processError error
	handler := func(result HealthStats, err error) {
		stats = result
		processError = err
		complete <- true
	}

	request := sessionHealthReq{resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit session-health request",
		)
		return HealthStats{}, err
	}

	<-complete
	return stats, processError
}

func (r *sessionRegistryImpl) processHealthRequest(param interface{}) error {
	request, ok := param.(sessionHealthReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session health", reflect.TypeOf(param),
		)
	}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	sessions, err := r.readCurrentSessions(useContext)
	if err != nil {
		request.resultCB(HealthStats{}, err)
		return err
	}
	stats := HealthStats{PerInstance: map[string]int{}}
	now := time.Now().UTC()
	var totalAge time.Duration
	for _, session := range sessions {
		switch session.Status {
		case SessionActive:
			stats.Active++
		case SessionStopping:
			stats.Stopping++
		}
		stats.PerInstance[session.InstanceID]++
		age := now.Sub(session.StartTime)
		totalAge += age
		if age > stats.OldestSessionAge {
			stats.OldestSessionAge = age
		}
	}
	if len(sessions) > 0 {
		stats.MeanSessionDuration = totalAge / time.Duration(len(sessions))
	}
	request.resultCB(stats, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

// StartBackgroundTasks start the heartbeat and stale-reaper loops
func (r *sessionRegistryImpl) StartBackgroundTasks() error {
	if err := r.heartbeatTimer.Start(r.heartbeatEvery, func() error {
		return r.tp.Submit(sessionHeartbeatReq{}, context.Background())
	}, false); err != nil {
		return err
	}
	return r.reaperTimer.Start(r.reapEvery, func() error {
		return r.tp.Submit(sessionReapReq{}, context.Background())
	}, false)
}

// StopBackgroundTasks stop the heartbeat and stale-reaper loops
func (r *sessionRegistryImpl) StopBackgroundTasks() error {
	if err := r.heartbeatTimer.Stop(); err != nil {
		return err
	}
	return r.reaperTimer.Stop()
}
