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

package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/relaymq/broker"
	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the broker is serving traffic
type ReadinessCheck func() bool

// APIRestAdminHandler REST handler for broker administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	core            broker.Broker
	ready           ReadinessCheck
	requestIDHeader string
	snapshotTimeout time.Duration
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	core broker.Broker, ready ReadinessCheck, httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "admin",
	}
	if httpConfig.Logging.RequestIDHeader == "" {
		httpConfig.Logging.RequestIDHeader = "Relaymq-Request-ID"
	}
	return APIRestAdminHandler{
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
		core:            core,
		ready:           ready,
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		snapshotTimeout: time.Second * 5,
	}, nil
}

// errorResponse standard error message carrying this request's ID
func (h APIRestAdminHandler) errorResponse(
	ctxt context.Context, code int, message string, detail string,
) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTErrorMsg(ctxt, code, message, detail)
	resp.RequestID = requestIDFromContext(ctxt)
	return resp
}

// logTags log tags for one request
func (h APIRestAdminHandler) logTags(ctxt context.Context) log.Fields {
	return common.UpdateLogTags(ctxt, h.GetLogTagsForContext(ctxt))
}

// snapshot fetch the registry snapshot from the event loop
func (h APIRestAdminHandler) snapshot(r *http.Request) (subscription.RegistrySnapshot, error) {
	ctxt, cancel := context.WithTimeout(r.Context(), h.snapshotTimeout)
	defer cancel()
	return h.core.Snapshot(ctxt)
}

// =======================================================================
// Registry

// APIRestRespCollectors response for listing the known collectors
type APIRestRespCollectors struct {
	goutils.RestAPIBaseResponse
	// Collectors known collectors in first-seen order, with their subscribers
	Collectors []subscription.CollectorRecord `json:"collectors"`
}

// GetCollectors godoc
// @Summary List known collectors
// @Description List every registered collector along with the readers subscribed to it
// @tags Admin
// @Produce json
// @Success 200 {object} APIRestRespCollectors "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/collectors [get]
func (h APIRestAdminHandler) GetCollectors(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot, err := h.snapshot(r)
	if err != nil {
		msg := "failed to read registry"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.errorResponse(r.Context(), respCode, msg, err.Error())
		return
	}
	collectors := snapshot.Collectors
	if collectors == nil {
		collectors = []subscription.CollectorRecord{}
	}
	respCode = http.StatusOK
	respBody = APIRestRespCollectors{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: requestIDFromContext(r.Context()),
		},
		Collectors: collectors,
	}
}

// GetCollectorsHandler Wrapper around GetCollectors
func (h APIRestAdminHandler) GetCollectorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetCollectors(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespReaders response for listing the known readers
type APIRestRespReaders struct {
	goutils.RestAPIBaseResponse
	// Readers every reader identity the broker has heard from
	Readers []subscription.ReaderRecord `json:"readers"`
}

// GetReaders godoc
// @Summary List known readers
// @Description List every reader identity which has sent a command to the broker
// @tags Admin
// @Produce json
// @Success 200 {object} APIRestRespReaders "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/readers [get]
func (h APIRestAdminHandler) GetReaders(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot, err := h.snapshot(r)
	if err != nil {
		msg := "failed to read registry"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.errorResponse(r.Context(), respCode, msg, err.Error())
		return
	}
	readers := snapshot.Readers
	if readers == nil {
		readers = []subscription.ReaderRecord{}
	}
	respCode = http.StatusOK
	respBody = APIRestRespReaders{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: requestIDFromContext(r.Context()),
		},
		Readers: readers,
	}
}

// GetReadersHandler Wrapper around GetReaders
func (h APIRestAdminHandler) GetReadersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetReaders(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For admin REST API liveness check
// @Description Will return success to indicate admin REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/admin/alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, goutils.RestAPIBaseResponse{
			Success: true, RequestID: requestIDFromContext(r.Context()),
		}, nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For admin REST API readiness check
// @Description Will return success once both broker endpoints are accepting peers
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil || !h.ready() {
		respCode = http.StatusServiceUnavailable
		respBody = h.errorResponse(r.Context(), respCode, "not ready", "broker is not serving")
		return
	}
	respCode = http.StatusOK
	respBody = goutils.RestAPIBaseResponse{
		Success: true, RequestID: requestIDFromContext(r.Context()),
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// DefineAdminRouter build the admin API router
//
// metricsHandler, if not nil, is served on /metrics.
func DefineAdminRouter(handler APIRestAdminHandler, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/v1/admin", nil)

	_ = RegisterPathPrefix(mainRouter, "/collectors", MethodHandlers{
		"get": handler.GetCollectorsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/readers", MethodHandlers{
		"get": handler.GetReadersHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	router.Use(RequestIDMiddleware(handler.requestIDHeader, handler.LogTags))
	accessLog := accessLogWriter{Component: common.Component{LogTags: log.Fields{
		"module": "apis", "component": "access-log",
	}}}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	return router
}
