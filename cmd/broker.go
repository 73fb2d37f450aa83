// Copyright 2022 The relaymq Authors
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

	"github.com/alwitt/relaymq/apis"
	"github.com/alwitt/relaymq/broker"
	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/tap"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBroker run the relay broker until the runtime context is cancelled
func RunBroker(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(runtimeContext)
	defer cancel()
	clock := clockwork.NewRealClock()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := broker.NewMetrics(registry)

	// -------------------------------------------------------------------
	// Payload tap

	var payloadTap tap.Tap
	if config.Tap.Enabled() {
		sinks, err := tap.DefineSinks(ctxt, config.Tap)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect tap sinks")
			return err
		}
		payloadTap, err = tap.DefineTap(ctxt, instance, config.Tap, sinks, registry)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define tap")
			for _, sink := range sinks {
				_ = sink.Close(ctxt)
			}
			return err
		}
		if err := payloadTap.Start(&wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start tap")
			return err
		}
		defer func() {
			_ = payloadTap.Stop()
		}()
	}

	// -------------------------------------------------------------------
	// Broker

	server, err := broker.DefineServer(ctxt, instance, config.Broker, clock, metrics, payloadTap)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}
	if err := server.Start(&wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broker")
		_ = server.Stop()
		return err
	}
	defer func() {
		_ = server.Stop()
	}()
	log.WithFields(logTags).Infof(
		"Collectors on %s, readers on %s", server.CollectorAddr(), server.ReaderAddr(),
	)

	// -------------------------------------------------------------------
	// Periodic statistics

	if config.Broker.StatsIntervalSec > 0 {
		statsTimer, err := common.GetIntervalTimerInstance(
			ctxt, fmt.Sprintf("%s-stats", instance), clock, &wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
			return err
		}
		logStats := func() error {
			snapshotCtxt, snapshotCancel := context.WithTimeout(ctxt, time.Second*5)
			defer snapshotCancel()
			snapshot, err := server.Broker().Snapshot(snapshotCtxt)
			if err != nil {
				log.WithError(err).WithFields(logTags).Warn("Unable to read registry statistics")
				return nil
			}
			subscriptions := 0
			for _, collector := range snapshot.Collectors {
				subscriptions += len(collector.Subscribers)
			}
			log.WithFields(logTags).Infof(
				"%d collectors, %d readers, %d subscriptions",
				len(snapshot.Collectors), len(snapshot.Readers), subscriptions,
			)
			return nil
		}
		if err := statsTimer.Start(
			time.Second*time.Duration(config.Broker.StatsIntervalSec), logStats, false,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
			return err
		}
		defer func() {
			_ = statsTimer.Stop()
		}()
	}

	// -------------------------------------------------------------------
	// Admin API

	var httpSrv *http.Server
	serverErr := make(chan error, 1)
	if config.Admin != nil {
		httpConfig := config.Admin.HTTPSetting
		httpHandler, err := apis.GetAPIRestAdminHandler(server.Broker(), server.Ready, &httpConfig)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
			return err
		}
		router := apis.DefineAdminRouter(
			httpHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		)
		serverListen := fmt.Sprintf(
			"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
		)
		httpSrv = &http.Server{
			Addr:         serverListen,
			WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
				serverErr <- err
				cancel()
			}
		}()
		log.WithFields(logTags).Infof("Started admin HTTP server on http://%s", serverListen)
	}

	// ============================================================================

	<-ctxt.Done()
	log.WithFields(logTags).Info("Shutting down")

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}
