package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/apis"
	"github.com/alwitt/mqcoord/broker"
	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/registry"
	"github.com/alwitt/mqcoord/storage"
	"github.com/alwitt/mqcoord/stream"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defaultKeyPrefix store key prefix used when no shared store is configured
const defaultKeyPrefix = "mqcoord"

// RunCoordinatorServer run the coordinator server
func RunCoordinatorServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "coordinator",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Shared store and registries

	var dataStore storage.KeyValueStore
	keyPrefix := defaultKeyPrefix
	var connections registry.ConnectionRegistry
	if config.Redis != nil {
		connectCtxt, connectCancel := context.WithTimeout(
			localCtxt, time.Second*time.Duration(config.Redis.CallTimeout),
		)
		defer connectCancel()
		store, err := storage.CreateRedisBackedStorage(
			config.Redis.Addr, config.Redis.Password, config.Redis.DB, connectCtxt,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to connect with redis server %s", config.Redis.Addr,
			)
			return err
		}
		dataStore = store
		keyPrefix = config.Redis.KeyPrefix
		connections, err = registry.DefineSharedConnectionRegistry(
			dataStore,
			instance,
			keyPrefix,
			time.Second*time.Duration(config.Connections.EntryTTL),
			localCtxt,
			wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
			return err
		}
	} else {
		log.WithFields(logTags).Warn(
			"No shared store configured. Running with in-process registries",
		)
		dataStore = storage.CreateInMemoryStorage()
		local, err := registry.DefineInProcessConnectionRegistry(instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
			return err
		}
		connections = local
	}
	defer func() {
		if err := dataStore.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during store teardown")
		}
	}()

	if err := connections.StartBackgroundTasks(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry renewal loop")
		return err
	}
	defer func() {
		if err := connections.StopBackgroundTasks(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during renewal loop teardown")
		}
	}()

	pauses, err := broker.DefinePauseStateStore(dataStore, keyPrefix)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define pause state store")
		return err
	}

	// -------------------------------------------------------------------
	// Session factory

	builder := broker.DefaultSessionBuilder(config.Amqp, instance, pauses.Save)
	factory, err := broker.DefineSessionFactory(
		connections, builder, config.Connections.MaxPerBroker, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session factory")
		return err
	}
	defer func() {
		cleanupCtxt, cleanupCancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cleanupCancel()
		if err := factory.CleanupAll(cleanupCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during session cleanup")
		}
	}()

	// -------------------------------------------------------------------
	// Streaming session registry

	tp, err := common.GetNewTaskProcessorInstance("stream-sessions", 64)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}

	streams, err := stream.DefineSessionRegistry(
		dataStore, tp, instance, keyPrefix, config.Sessions, localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}

	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return err
	}
	defer func() {
		if err := tp.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during event loop teardown")
		}
	}()

	if err := streams.StartBackgroundTasks(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session background tasks")
		return err
	}
	defer func() {
		if err := streams.StopBackgroundTasks(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during background task teardown")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestCoordinatorHandler(
		localCtxt,
		factory,
		connections,
		pauses,
		streams,
		config.Connections.MaxPerBroker,
		&config.Coordinator.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Coordinator.Endpoints.PathPrefix, nil,
	)

	// Queue pause / resume
	queueAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/broker/{brokerID}/queue/{queueName}", nil,
	)
	_ = apis.RegisterPathPrefix(queueAPIRouter, "/pause", map[string]http.HandlerFunc{
		"post": httpHandler.PauseQueueHandler(),
		"get":  httpHandler.GetPauseStateHandler(),
	})
	_ = apis.RegisterPathPrefix(queueAPIRouter, "/resume", map[string]http.HandlerFunc{
		"post": httpHandler.ResumeQueueHandler(),
	})

	// Streaming subscription
	_ = apis.RegisterPathPrefix(queueAPIRouter, "/subscribe", map[string]http.HandlerFunc{
		"post": httpHandler.SubscribeHandler(),
	})

	// Broker connection management
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/broker/{brokerID}/connection", map[string]http.HandlerFunc{
			"get":    httpHandler.GetConnectionStatsHandler(),
			"delete": httpHandler.CloseConnectionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/broker/{brokerID}/session", map[string]http.HandlerFunc{
			"delete": httpHandler.StopBrokerSessionsHandler(),
		},
	)

	// Streaming session management
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session", map[string]http.HandlerFunc{
		"get": httpHandler.GetSessionHealthHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/session/{sessionID}", map[string]http.HandlerFunc{
			"delete": httpHandler.StopSessionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/session", map[string]http.HandlerFunc{
			"delete": httpHandler.StopUserSessionsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d",
		config.Coordinator.HTTPSetting.Server.ListenOn,
		config.Coordinator.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Coordinator.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Coordinator.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Coordinator.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
