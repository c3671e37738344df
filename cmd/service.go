// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livetrack/apis"
	"github.com/alwitt/livetrack/bus"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
)

// ServerRestEndpoints end-point path configs for the realtime API
type ServerRestEndpoints struct {
	PathPrefix string
}

// ServerCLIArgs arguments
type ServerCLIArgs struct {
	ServerPort int `validate:"required,gt=0,lt=65536"`
	Endpoints  ServerRestEndpoints
}

// GetServerCLIFlags retrieve the set of CMD flags for the realtime server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "server-port",
			Usage:       "Realtime API server port",
			Aliases:     []string{"p"},
			EnvVars:     []string{"SERVER_PORT"},
			Value:       3000,
			DefaultText: "3000",
			Destination: &args.ServerPort,
			Required:    false,
		},
		// End-point related
		&cli.StringFlag{
			Name:        "server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the realtime APIs",
			Aliases:     []string{"sep"},
			EnvVars:     []string{"SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
	}
}

// RunRealtimeServer run the realtime fan-out server
func RunRealtimeServer(
	params ServerCLIArgs,
	instance string,
	config *common.SystemConfig,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "realtime-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	// -------------------------------------------------------------------
	// Prepare the fan-out bus

	var locationBus bus.DriverLocationBus
	var busReady func() bool
	switch config.Bus.Backend {
	case "nats":
		if natsClient == nil {
			return fmt.Errorf("NATS bus backend requires a NATS client")
		}
		natsBus, err := bus.GetNATSDriverLocationBus(
			natsClient, config.Bus.SubjectPrefix, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS location bus")
			return err
		}
		locationBus = natsBus
		busReady = natsClient.Ready
	case "memory":
		memoryBus, err := bus.GetMemoryDriverLocationBus(instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define memory location bus")
			return err
		}
		locationBus = memoryBus
		busReady = func() bool { return true }
	default:
		return fmt.Errorf("unknown bus backend %s", config.Bus.Backend)
	}
	defer locationBus.Close(runTimeContext)

	// -------------------------------------------------------------------
	// Prepare the realtime core

	provider, err := tracker.GetRESTDriverInfoProvider(
		config.DriverInfo.BaseURL,
		time.Second*time.Duration(config.DriverInfo.RequestTimeout),
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define driver info provider")
		return err
	}

	coreTasks, err := common.GetNewTaskProcessorInstance("realtime-core", 64)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define core task processor")
		return err
	}

	realtimeCore, err := tracker.DefineRealtimeCore(
		coreTasks,
		locationBus,
		provider,
		time.Second*time.Duration(config.Tracker.RecencyWindowSec),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define realtime core")
		return err
	}

	if err := coreTasks.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start core event loop")
		return err
	}
	defer func() {
		if err := coreTasks.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping core event loop")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestRealtimeHandler(
		localCtxt,
		realtimeCore,
		provider,
		config.Tracker,
		&config.API.HTTPSetting,
		busReady,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Realtime channels
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/client/ws", map[string]http.HandlerFunc{
			"get": httpHandler.ClientWebsocketHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/driver/ws", map[string]http.HandlerFunc{
			"get": httpHandler.DriverWebsocketHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.HTTPSetting.Server.ListenOn, params.ServerPort,
	)
	// The websocket upgrade needs the HTTP/1.1 hijacker, so the router is
	// served directly rather than through an h2c wrapper. Write timeout
	// stays zero or the server would sever long-lived push connections.
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.IdleTimeout),
		Handler:     router,
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
