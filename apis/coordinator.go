package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqcoord/broker"
	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/registry"
	"github.com/alwitt/mqcoord/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	amqp "github.com/rabbitmq/amqp091-go"
)

// APIRestCoordinatorHandler REST handler for the broker coordination APIs
type APIRestCoordinatorHandler struct {
	goutils.RestAPIHandler
	factory      broker.SessionFactory
	connections  registry.ConnectionRegistry
	pauses       broker.PauseStateStore
	streams      stream.SessionRegistry
	maxPerBroker int
	validate     *validator.Validate
	baseContext  context.Context
}

// GetAPIRestCoordinatorHandler define APIRestCoordinatorHandler
func GetAPIRestCoordinatorHandler(
	baseContext context.Context,
	factory broker.SessionFactory,
	connections registry.ConnectionRegistry,
	pauses broker.PauseStateStore,
	streams stream.SessionRegistry,
	maxPerBroker int,
	httpConfig *common.HTTPConfig,
) (APIRestCoordinatorHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "broker-coordinator",
	}
	return APIRestCoordinatorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		factory:      factory,
		connections:  connections,
		pauses:       pauses,
		streams:      streams,
		maxPerBroker: maxPerBroker,
		validate:     validator.New(),
		baseContext:  baseContext,
	}, nil
}

// APIRestReqBrokerTarget broker endpoint and credentials for one operation
type APIRestReqBrokerTarget struct {
	// Host broker hostname
	Host string `json:"host" validate:"required"`
	// Port broker AMQP listener port
	Port int `json:"port" validate:"required,gt=0,lt=65536"`
	// Username broker login user
	Username string `json:"username" validate:"required"`
	// Password broker login password
	Password string `json:"password"`
	// VHost target virtual host
	VHost string `json:"vhost"`
	// UseTLS dial with amqps instead of amqp
	UseTLS bool `json:"useTls"`
}

// parseBrokerTarget read the broker target from the request body, tagged with
// the broker ID from the request path
func (h APIRestCoordinatorHandler) parseBrokerTarget(
	brokerID string, r *http.Request,
) (broker.BrokerTarget, error) {
	var params APIRestReqBrokerTarget
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return broker.BrokerTarget{}, err
	}
	if err := h.validate.Struct(&params); err != nil {
		return broker.BrokerTarget{}, err
	}
	return broker.BrokerTarget{
		ID:       brokerID,
		Host:     params.Host,
		Port:     params.Port,
		Username: params.Username,
		Password: params.Password,
		VHost:    params.VHost,
		UseTLS:   params.UseTLS,
	}, nil
}

// fetchSession acquire a live session for the target broker, seeded with any
// persisted pause records of that broker
func (h APIRestCoordinatorHandler) fetchSession(
	target broker.BrokerTarget, ctxt context.Context,
) (broker.ProtocolSession, error) {
	session, err := h.factory.CreateClient(target, ctxt)
	if err != nil {
		return nil, err
	}
	if records, err := h.pauses.ListForBroker(target.ID, ctxt); err == nil && len(records) > 0 {
		session.LoadPauseStates(records)
	}
	return session, nil
}

// errorRespCode map a coordination error to a REST status code
func errorRespCode(err error) int {
	switch err.(type) {
	case common.NotFoundError:
		return http.StatusNotFound
	case common.NotOwnedError:
		return http.StatusConflict
	case common.LimitExceededError:
		return http.StatusTooManyRequests
	case common.ConnectionError:
		return http.StatusBadGateway
	case common.ChannelError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// =======================================================================
// Queue pause / resume

// -----------------------------------------------------------------------

// APIRestRespPauseRecord response containing one queue pause record
type APIRestRespPauseRecord struct {
	goutils.RestAPIBaseResponse
	// Record the pause state of the queue
	Record broker.PauseRecord `json:"record"`
}

// PauseQueue godoc
// @Summary Pause message delivery on a queue
// @Description Starve the normal consumers of a queue by holding its deliveries unacknowledged
// @tags Coordination
// @Accept json
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Param queueName path string true "Queue to pause"
// @Param target body APIRestReqBrokerTarget true "Broker endpoint and credentials"
// @Success 200 {object} APIRestRespPauseRecord "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/queue/{queueName}/pause [post]
func (h APIRestCoordinatorHandler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]
	queueName := vars["queueName"]

	target, err := h.parseBrokerTarget(brokerID, r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, err := h.fetchSession(target, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to connect to broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorRespCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	record, err := session.PauseQueue(queueName, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Failed to pause queue %s", queueName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorRespCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPauseRecord{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Record: record,
	}
}

// PauseQueueHandler Wrapper around PauseQueue
func (h APIRestCoordinatorHandler) PauseQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PauseQueue(w, r)
	}
}

// -----------------------------------------------------------------------

// ResumeQueue godoc
// @Summary Resume message delivery on a queue
// @Description Cancel the blocking consumers holding a queue paused
// @tags Coordination
// @Accept json
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Param queueName path string true "Queue to resume"
// @Param target body APIRestReqBrokerTarget true "Broker endpoint and credentials"
// @Success 200 {object} APIRestRespPauseRecord "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,409,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/queue/{queueName}/resume [post]
func (h APIRestCoordinatorHandler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]
	queueName := vars["queueName"]

	target, err := h.parseBrokerTarget(brokerID, r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, err := h.fetchSession(target, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to connect to broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorRespCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	record, err := session.ResumeQueue(queueName, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Failed to resume queue %s", queueName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorRespCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPauseRecord{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Record: record,
	}
}

// ResumeQueueHandler Wrapper around ResumeQueue
func (h APIRestCoordinatorHandler) ResumeQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ResumeQueue(w, r)
	}
}

// -----------------------------------------------------------------------

// GetPauseState godoc
// @Summary Query the pause state of a queue
// @Description Read the persisted pause record of a queue without connecting to the broker
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Param queueName path string true "Queue to query"
// @Success 200 {object} APIRestRespPauseRecord "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/queue/{queueName}/pause [get]
func (h APIRestCoordinatorHandler) GetPauseState(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]
	queueName := vars["queueName"]

	record, err := h.pauses.Get(brokerID, queueName, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch pause record of queue %s", queueName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorRespCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPauseRecord{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Record: record,
	}
}

// GetPauseStateHandler Wrapper around GetPauseState
func (h APIRestCoordinatorHandler) GetPauseStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPauseState(w, r)
	}
}

// =======================================================================
// Broker connection management

// -----------------------------------------------------------------------

// APIRestRespConnectionStats response containing connection stats of a broker
type APIRestRespConnectionStats struct {
	goutils.RestAPIBaseResponse
	// Stats the connection registry view of the broker
	Stats registry.ConnectionStats `json:"stats"`
}

// GetConnectionStats godoc
// @Summary Query connection stats of a broker
// @Description Read the active connection entries of a broker across all coordinator instances
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Success 200 {object} APIRestRespConnectionStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/connection [get]
func (h APIRestCoordinatorHandler) GetConnectionStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]

	stats, err := h.connections.GetConnectionStats(brokerID, h.maxPerBroker, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch connection stats of broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnectionStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: stats,
	}
}

// GetConnectionStatsHandler Wrapper around GetConnectionStats
func (h APIRestCoordinatorHandler) GetConnectionStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnectionStats(w, r)
	}
}

// -----------------------------------------------------------------------

// CloseConnection godoc
// @Summary Close the connection to a broker
// @Description Tear down this instance's session against a broker and release its registry entry
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/connection [delete]
func (h APIRestCoordinatorHandler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]

	if err := h.factory.RemoveClient(brokerID, r.Context()); err != nil {
		msg := fmt.Sprintf("Failed to close connection to broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CloseConnectionHandler Wrapper around CloseConnection
func (h APIRestCoordinatorHandler) CloseConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CloseConnection(w, r)
	}
}

// =======================================================================
// Streaming subscriptions

// -----------------------------------------------------------------------

// APIRestRespDataMessage one message of a streaming subscription
type APIRestRespDataMessage struct {
	goutils.RestAPIBaseResponse
	// SessionID the streaming session carrying this message
	SessionID string `json:"sessionId" validate:"required"`
	// DeliveryTag channel scoped delivery identifier, used to acknowledge
	DeliveryTag uint64 `json:"deliveryTag"`
	// Redelivered whether the broker delivered this message before
	Redelivered bool `json:"redelivered"`
	// Exchange the exchange the message was published to
	Exchange string `json:"exchange"`
	// RoutingKey the routing key of the message
	RoutingKey string `json:"routingKey"`
	// Body the message payload
	Body []byte `json:"body"`
}

// Subscribe godoc
// @Summary Establish a streaming subscription on a queue
// @Description Consume a queue, relaying each message to the caller as one JSON object per line.
// The stream continues until the client disconnects, the session is stopped through the session
// API, or the server shuts down.
// @tags Coordination
// @Accept json
// @Produce json-stream
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Param queueName path string true "Queue to subscribe to"
// @Param user_id query string true "User establishing the subscription"
// @Param target body APIRestReqBrokerTarget true "Broker endpoint and credentials"
// @Success 200 {object} APIRestRespDataMessage "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/queue/{queueName}/subscribe [post]
func (h APIRestCoordinatorHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	writeErr := func(code int, msg string, detail string) {
		resp := h.GetStdRESTErrorMsg(r.Context(), code, msg, detail)
		if err := h.WriteRESTResponse(w, code, resp, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]
	queueName := vars["queueName"]

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Error(msg)
		writeErr(http.StatusBadRequest, msg, msg)
		return
	}

	target, err := h.parseBrokerTarget(brokerID, r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		writeErr(http.StatusBadRequest, msg, err.Error())
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		writeErr(http.StatusInternalServerError, msg, msg)
		return
	}

	session, err := h.fetchSession(target, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to connect to broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		writeErr(errorRespCode(err), msg, err.Error())
		return
	}

	// Deliveries are buffered between the consumer goroutine and the write
	// loop. The runtime context releases the consumer goroutine when the
	// stream ends for any reason.
	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	msgBuffer := make(chan amqp.Delivery, 32)
	msgHandler := func(delivery amqp.Delivery) error {
		select {
		case msgBuffer <- delivery:
			return nil
		case <-runtimeCtxt.Done():
			return runtimeCtxt.Err()
		}
	}

	consumerID, err := session.CreateConsumer(
		queueName, msgHandler, broker.DefaultConsumerOptions(), r.Context(),
	)
	if err != nil {
		msg := fmt.Sprintf("Failed to subscribe to queue %s", queueName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		writeErr(errorRespCode(err), msg, err.Error())
		return
	}

	sessionID := uuid.New().String()
	cleanup := func() {
		cancel()
		if err := session.CancelConsumer(consumerID, context.Background()); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Failed to cancel consumer %s of session %s", consumerID, sessionID,
			)
		}
	}

	if !h.streams.Register(sessionID, userID, brokerID, queueName, cleanup, r.Context()) {
		cleanup()
		msg := "Failed to register streaming session"
		log.WithFields(localLogTags).Error(msg)
		writeErr(http.StatusInternalServerError, msg, msg)
		return
	}

	log.WithFields(localLogTags).Infof(
		"Starting streaming session %s on queue %s@%s", sessionID, queueName, brokerID,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	complete := false
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server shutting down
			complete = true
		case <-runtimeCtxt.Done():
			// Session stopped through the session API or reaped
			complete = true
		case <-r.Context().Done():
			// Client disconnected
			complete = true
		case delivery, ok := <-msgBuffer:
			if !ok {
				complete = true
				break
			}
			resp := APIRestRespDataMessage{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				SessionID:   sessionID,
				DeliveryTag: delivery.DeliveryTag,
				Redelivered: delivery.Redelivered,
				Exchange:    delivery.Exchange,
				RoutingKey:  delivery.RoutingKey,
				Body:        delivery.Body,
			}
			serialize, err := json.Marshal(&resp)
			if err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Failed to serialize delivery %d for session %s",
					delivery.DeliveryTag,
					sessionID,
				)
				continue
			}
			if _, err := fmt.Fprintf(w, "%s\n", serialize); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Failed to write delivery %d for session %s", delivery.DeliveryTag, sessionID,
				)
				complete = true
				break
			}
			writeFlusher.Flush()
		}
	}

	// Deregister regardless of why the stream ended. When the session API
	// already stopped this session the call is a no-op.
	stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer stopCancel()
	if !h.streams.Stop(sessionID, stopCtxt) {
		log.WithFields(localLogTags).Debugf("Session %s already deregistered", sessionID)
	}
	log.WithFields(localLogTags).Infof("Streaming session %s ended", sessionID)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestCoordinatorHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// StopSession godoc
// @Summary Stop a streaming session
// @Description Stop one streaming session. Works from any coordinator instance; a session owned
// by another instance has its local resources reclaimed there.
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Streaming session ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/session/{sessionID} [delete]
func (h APIRestCoordinatorHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	sessionID := vars["sessionID"]

	if !h.streams.Stop(sessionID, r.Context()) {
		msg := fmt.Sprintf("No session %s found", sessionID)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// StopSessionHandler Wrapper around StopSession
func (h APIRestCoordinatorHandler) StopSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StopSession(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespStoppedSessions response of a bulk session stop
type APIRestRespStoppedSessions struct {
	goutils.RestAPIBaseResponse
	// Stopped the number of sessions stopped
	Stopped int `json:"stopped"`
}

// StopUserSessions godoc
// @Summary Stop all streaming sessions of a user
// @Description Stop every streaming session established by a user, across all instances
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User ID"
// @Success 200 {object} APIRestRespStoppedSessions "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/user/{userID}/session [delete]
func (h APIRestCoordinatorHandler) StopUserSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	userID := vars["userID"]

	stopped := h.streams.StopByOwner(userID, r.Context())
	resp := APIRestRespStoppedSessions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stopped: stopped,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StopUserSessionsHandler Wrapper around StopUserSessions
func (h APIRestCoordinatorHandler) StopUserSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StopUserSessions(w, r)
	}
}

// -----------------------------------------------------------------------

// StopBrokerSessions godoc
// @Summary Stop all streaming sessions against a broker
// @Description Stop every streaming session consuming from a broker, across all instances
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Target broker ID"
// @Success 200 {object} APIRestRespStoppedSessions "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/broker/{brokerID}/session [delete]
func (h APIRestCoordinatorHandler) StopBrokerSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	brokerID := vars["brokerID"]

	stopped := h.streams.StopByBroker(brokerID, r.Context())
	resp := APIRestRespStoppedSessions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stopped: stopped,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StopBrokerSessionsHandler Wrapper around StopBrokerSessions
func (h APIRestCoordinatorHandler) StopBrokerSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StopBrokerSessions(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSessionHealth response of the session health query
type APIRestRespSessionHealth struct {
	goutils.RestAPIBaseResponse
	// Stats aggregate view of the session directory
	Stats stream.HealthStats `json:"stats"`
}

// GetSessionHealth godoc
// @Summary Query streaming session health
// @Description Aggregate counts over the streaming session directory
// @tags Coordination
// @Produce json
// @Param Mqcoord-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessionHealth "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Mqcoord-Request-ID "Request ID to match against logs"
// @Router /v1/session [get]
func (h APIRestCoordinatorHandler) GetSessionHealth(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.streams.GetHealthStats(r.Context())
	if err != nil {
		msg := "Unable to fetch session health stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionHealth{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: stats,
	}
}

// GetSessionHealthHandler Wrapper around GetSessionHealth
func (h APIRestCoordinatorHandler) GetSessionHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSessionHealth(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For coordinator liveness check
// @Description Will return success to indicate coordinator REST API module is live
// @tags Coordination
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestCoordinatorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestCoordinatorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For coordinator readiness check
// @Description Will return success if coordinator can reach the shared session directory
// @tags Coordination
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestCoordinatorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.streams.GetHealthStats(r.Context()); err != nil {
		msg := "Not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestCoordinatorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
