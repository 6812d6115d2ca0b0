// Copyright The OpenTelemetry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpd implements the stream dispatcher and server loop for
// the stateless HTTP transport: routing, content-type and size checks,
// CORS, capability preflight, and the compression filter, built on
// github.com/go-chi/chi/v5.
package httpd

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/token"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
)

// Handler serves a Protocol over HTTP.
type Handler struct {
	Protocol   *registry.Protocol
	ServerID   string
	Alloc      memory.Allocator
	Logger     *zap.Logger
	Config     Config
	Serializer token.StateSerializer

	router chi.Router
}

// NewHandler returns an http.Handler serving protocol. logger may be nil.
func NewHandler(protocol *registry.Protocol, serverID string, alloc memory.Allocator, logger *zap.Logger, cfg Config) *Handler {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{Protocol: protocol, ServerID: serverID, Alloc: alloc, Logger: logger, Config: cfg, Serializer: token.JSONStateSerializer{}}
	h.router = h.buildRouter()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Route(h.Config.Prefix, func(r chi.Router) {
		r.Post("/"+vgi.DescribeMethodName, h.handleDescribe)
		r.Options("/"+vgi.CapabilitiesPath, h.handleCapabilities)
		r.Post("/{method}/init", h.handleInit)
		r.Post("/{method}/exchange", h.handleExchange)
		r.Post("/{method}", h.handleUnary)
		r.Options("/*", h.handlePreflight)
	})
	return r
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.Config.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Accept-Encoding")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(vgi.MaxRequestBytesHeader, strconv.FormatInt(h.Config.MaxRequestBytes, 10))
	w.WriteHeader(http.StatusNoContent)
}

// readBody enforces the verb, content-type, and size policy,
// decompresses a zstd-encoded body, and returns the raw Arrow IPC bytes.
// On policy failure it writes the response itself and returns ok=false.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	if ct := r.Header.Get("Content-Type"); ct != vgi.ArrowIPCStreamContentType {
		http.Error(w, fmt.Sprintf("unsupported content-type %q", ct), http.StatusUnsupportedMediaType)
		return nil, false
	}
	if h.Config.MaxRequestBytes > 0 && r.ContentLength > h.Config.MaxRequestBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	limited := io.LimitReader(r.Body, h.Config.MaxRequestBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if h.Config.MaxRequestBytes > 0 && int64(len(raw)) > h.Config.MaxRequestBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	raw, err = decompressBody(raw, r.Header.Get("Content-Encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return raw, true
}

// writeBody applies the response compression filter and writes status
// with the IPC-stream content type.
func (h *Handler) writeBody(w http.ResponseWriter, status int, body []byte) {
	out, compressed, err := compressBody(body, h.Config.CompressionLevel)
	if err != nil {
		h.Logger.Warn("response compression failed, sending uncompressed", zap.Error(err))
		out, compressed = body, false
	}
	w.Header().Set("Content-Type", vgi.ArrowIPCStreamContentType)
	if compressed {
		w.Header().Set("Content-Encoding", vgi.ContentEncodingZstd)
		w.Header().Set("Accept-Encoding", vgi.ContentEncodingZstd)
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
}
