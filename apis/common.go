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

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// RequestIDMiddleware attach a request ID to every API request
//
// The ID is taken from the request header if the caller supplied one, otherwise a new one
// is generated. Either way it is echoed back on the response under the same header.
func RequestIDMiddleware(header string, logTags log.Fields) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(header)
			if reqID == "" {
				reqID = uuid.New().String()
			}
			log.WithFields(logTags).Debugf("New request ID %s", reqID)
			rw.Header().Set(header, reqID)
			ctx := context.WithValue(
				r.Context(), common.RequestParam{}, common.RequestParam{
					ID: reqID, Method: r.Method, URI: r.URL.String(),
				},
			)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// requestIDFromContext read back the ID attached by RequestIDMiddleware
func requestIDFromContext(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// accessLogWriter sink for the HTTP access log lines
type accessLogWriter struct {
	common.Component
}

// Write logging support
func (w accessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", p)
	return len(p), nil
}
