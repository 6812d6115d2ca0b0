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

package httpd

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

func (h *Handler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeOneBatch(body, h.Alloc)
	if err != nil {
		h.writeErrorResponse(w, 400, "", err)
		return
	}
	defer req.Release()

	b, err := registry.BuildDescribeBatch(h.Protocol, h.ServerID, h.Alloc)
	if err != nil {
		h.writeErrorResponse(w, 500, "", err)
		return
	}
	defer b.Release()
	out, err := encodeOneBatch(b, h.Alloc)
	if err != nil {
		h.writeErrorResponse(w, 500, "", err)
		return
	}
	h.writeBody(w, 200, out)
}

func (h *Handler) handleUnary(w http.ResponseWriter, r *http.Request) {
	methodName := chi.URLParam(r, "method")
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeOneBatch(body, h.Alloc)
	if err != nil {
		h.writeErrorResponse(w, 400, "", err)
		return
	}
	defer req.Release()

	parsed, err := wire.ParseRequest(req)
	if err != nil {
		h.writeErrorResponse(w, vgierr.HTTPStatus(err), "", err)
		return
	}

	method, okm := h.Protocol.Lookup(methodName)
	if !okm || method.Kind != registry.KindUnary {
		h.writeErrorResponse(w, 404, parsed.RequestID, h.Protocol.UnknownMethodError(methodName))
		return
	}
	if err := wire.ValidateSchema(req.Schema, method.ParamSchema); err != nil {
		h.writeErrorResponse(w, 400, parsed.RequestID, err)
		return
	}

	var logBatches []*ipcstream.Batch
	onLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.ResultSchema, level, message, extra, h.ServerID, parsed.RequestID, h.Alloc)
		if err == nil {
			logBatches = append(logBatches, b)
		}
	}
	rctx := registry.NewRequestContext(h.ServerID, parsed.RequestID, onLog)

	values, herr := method.Handler(parsed.Params, rctx)
	defer func() {
		for _, b := range logBatches {
			b.Release()
		}
	}()

	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, h.Alloc)
	for _, b := range logBatches {
		_ = sw.WriteBatch(b)
	}

	status := 200
	if herr != nil {
		wrapped := vgierr.WrapHandler(herr)
		errBatch := wire.BuildErrorBatch(method.ResultSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, h.ServerID, parsed.RequestID, h.Alloc)
		_ = sw.WriteBatch(errBatch)
		errBatch.Release()
		status = 500
	} else {
		result, berr := wire.BuildResultBatch(method.ResultSchema, values, h.ServerID, parsed.RequestID, h.Alloc)
		if berr != nil {
			errBatch := wire.BuildErrorBatch(method.ResultSchema, "ContractError", berr.Error(), "", h.ServerID, parsed.RequestID, h.Alloc)
			_ = sw.WriteBatch(errBatch)
			errBatch.Release()
			status = 400
		} else {
			_ = sw.WriteBatch(result)
			result.Release()
		}
	}
	_ = sw.Close()
	h.writeBody(w, status, buf.Bytes())
}

// writeErrorResponse builds a self-contained IPC stream holding one
// EXCEPTION batch shaped to the empty schema and writes it with status.
func (h *Handler) writeErrorResponse(w http.ResponseWriter, status int, requestID string, cause error) {
	exceptionType, msg := vgierr.Classify(cause)
	b := wire.BuildErrorBatch(ipcstream.Schema{}, exceptionType, msg, "", h.ServerID, requestID, h.Alloc)
	defer b.Release()
	out, err := encodeOneBatch(b, h.Alloc)
	if err != nil {
		h.Logger.Error("failed to encode error response", zap.Error(err))
		http.Error(w, msg, status)
		return
	}
	h.writeBody(w, status, out)
}
