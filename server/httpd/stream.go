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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/token"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// handleInit implements the {prefix}/{method}/init endpoint.
func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
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
	if !okm || method.Kind == registry.KindUnary {
		h.writeErrorResponse(w, 404, parsed.RequestID, h.Protocol.UnknownMethodError(methodName))
		return
	}
	if err := wire.ValidateSchema(req.Schema, method.ParamSchema); err != nil {
		h.writeErrorResponse(w, 400, parsed.RequestID, err)
		return
	}

	var initLogs []*ipcstream.Batch
	onLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.OutputSchema, level, message, extra, h.ServerID, parsed.RequestID, h.Alloc)
		if err == nil {
			initLogs = append(initLogs, b)
		}
	}
	ctx := registry.NewRequestContext(h.ServerID, parsed.RequestID, onLog)

	// A method registered without Init starts from an empty state.
	var state registry.State
	if method.Init != nil {
		state, err = method.Init(parsed.Params, ctx)
	}
	if err != nil {
		releaseAll(initLogs)
		wrapped := vgierr.WrapHandler(err)
		schema := method.OutputSchema
		if method.HasHeader {
			schema = method.HeaderSchema
		}
		errBatch := wire.BuildErrorBatch(schema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, h.ServerID, parsed.RequestID, h.Alloc)
		out, _ := encodeOneBatch(errBatch, h.Alloc)
		errBatch.Release()
		h.writeBody(w, 500, out)
		return
	}

	kind := method.Kind
	if ov, ok := registry.OverrideKind(state); ok {
		kind = ov
	}
	outputSchema := method.OutputSchema
	if ov, ok := registry.OverrideOutputSchema(state); ok {
		outputSchema = ov
	}

	var resp bytes.Buffer
	if method.HasHeader {
		headerIPC, herr := h.buildHeaderIPC(method, parsed, state, initLogs)
		if herr != nil {
			h.writeBody(w, 500, headerIPC)
			return
		}
		resp.Write(headerIPC)
	} else {
		releaseAll(initLogs)
	}

	switch kind {
	case registry.KindProducer:
		dataIPC, _ := h.runProducerLoop(method, parsed, state, outputSchema)
		resp.Write(dataIPC)
	default:
		tok, terr := h.packToken(state, outputSchema, method.InputSchema)
		if terr != nil {
			h.writeErrorResponse(w, 500, parsed.RequestID, terr)
			return
		}
		contBatch := ipcstream.NewEmptyBatch(h.Alloc, outputSchema, map[string]string{vgi.MetaStreamState: tok, vgi.MetaServerID: h.ServerID})
		out, _ := encodeOneBatch(contBatch, h.Alloc)
		contBatch.Release()
		resp.Write(out)
	}

	h.writeBody(w, 200, resp.Bytes())
}

func (h *Handler) buildHeaderIPC(method *registry.Method, parsed *wire.ParsedRequest, state registry.State, initLogs []*ipcstream.Batch) ([]byte, error) {
	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, h.Alloc)

	var headerLogs []*ipcstream.Batch
	onLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.HeaderSchema, level, message, extra, h.ServerID, parsed.RequestID, h.Alloc)
		if err == nil {
			headerLogs = append(headerLogs, b)
		}
	}
	ctx := registry.NewRequestContext(h.ServerID, parsed.RequestID, onLog)
	headerValues, herr := method.HeaderInit(parsed.Params, state, ctx)

	for _, b := range initLogs {
		_ = sw.WriteBatch(b)
		b.Release()
	}
	for _, b := range headerLogs {
		_ = sw.WriteBatch(b)
		b.Release()
	}
	if herr != nil {
		wrapped := vgierr.WrapHandler(herr)
		errBatch := wire.BuildErrorBatch(method.HeaderSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, h.ServerID, parsed.RequestID, h.Alloc)
		_ = sw.WriteBatch(errBatch)
		errBatch.Release()
		_ = sw.Close()
		return buf.Bytes(), herr
	}
	headerBatch, berr := wire.BuildResultBatch(method.HeaderSchema, headerValues, h.ServerID, parsed.RequestID, h.Alloc)
	if berr != nil {
		errBatch := wire.BuildErrorBatch(method.HeaderSchema, "ContractError", berr.Error(), "", h.ServerID, parsed.RequestID, h.Alloc)
		_ = sw.WriteBatch(errBatch)
		errBatch.Release()
		_ = sw.Close()
		return buf.Bytes(), berr
	}
	_ = sw.WriteBatch(headerBatch)
	headerBatch.Release()
	_ = sw.Close()
	return buf.Bytes(), nil
}

// runProducerLoop drives a Producer's method.Produce server-side until
// it signals finish or the configured byte budget is exhausted. It
// returns a complete IPC stream (data_ipc).
func (h *Handler) runProducerLoop(method *registry.Method, parsed *wire.ParsedRequest, state registry.State, outputSchema ipcstream.Schema) ([]byte, error) {
	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, h.Alloc)

	for {
		collector := registry.NewOutputCollector(h.Alloc, outputSchema, h.ServerID, parsed.RequestID, true)
		err := method.Produce(state, collector)
		if err != nil {
			exceptionType, msg := vgierr.Classify(err)
			errBatch := wire.BuildErrorBatch(outputSchema, exceptionType, msg, "", h.ServerID, parsed.RequestID, h.Alloc)
			_ = sw.WriteBatch(errBatch)
			errBatch.Release()
			collector.Release()
			_ = sw.Close()
			return buf.Bytes(), err
		}
		for _, b := range collector.Batches() {
			_ = sw.WriteBatch(b)
		}
		finished := collector.Finished()
		collector.Release()
		if finished {
			_ = sw.Close()
			return buf.Bytes(), nil
		}
		if h.Config.ByteBudget > 0 && int64(buf.Len()) >= h.Config.ByteBudget {
			tok, terr := h.packToken(state, outputSchema, method.InputSchema)
			if terr == nil {
				contBatch := ipcstream.NewEmptyBatch(h.Alloc, outputSchema, map[string]string{vgi.MetaStreamState: tok, vgi.MetaServerID: h.ServerID})
				_ = sw.WriteBatch(contBatch)
				contBatch.Release()
			}
			_ = sw.Close()
			return buf.Bytes(), nil
		}
	}
}

// handleExchange implements the {prefix}/{method}/exchange endpoint.
func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
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

	rawToken, hasState := req.Metadata[vgi.MetaStreamState]
	if !hasState {
		h.writeErrorResponse(w, 400, "", vgierr.NewProtocol("exchange request missing stream_state metadata"))
		return
	}
	method, okm := h.Protocol.Lookup(methodName)
	if !okm || method.Kind == registry.KindUnary {
		h.writeErrorResponse(w, 404, "", h.Protocol.UnknownMethodError(methodName))
		return
	}

	state, outputSchema, inputSchema, err := h.unpackToken(rawToken)
	if err != nil {
		h.writeErrorResponse(w, 400, "", err)
		return
	}

	kind := method.Kind
	if ov, ok := registry.OverrideKind(state); ok {
		kind = ov
	}
	if ov, ok := registry.OverrideOutputSchema(state); ok {
		outputSchema = ov
	}

	if kind == registry.KindProducer {
		dataIPC, _ := h.runProducerLoop(method, &wire.ParsedRequest{Method: methodName}, state, outputSchema)
		h.writeBody(w, 200, dataIPC)
		return
	}

	if err := wire.ValidateSchema(req.Schema, inputSchema); err != nil {
		h.writeErrorResponse(w, 400, "", err)
		return
	}

	collector := registry.NewOutputCollector(h.Alloc, outputSchema, h.ServerID, "", false)
	callErr := method.Exchange(state, req, collector)
	if callErr != nil {
		exceptionType, msg := vgierr.Classify(callErr)
		errBatch := wire.BuildErrorBatch(outputSchema, exceptionType, msg, "", h.ServerID, "", h.Alloc)
		out, _ := encodeOneBatch(errBatch, h.Alloc)
		errBatch.Release()
		collector.Release()
		h.writeBody(w, 500, out)
		return
	}

	tok, terr := h.packToken(state, outputSchema, inputSchema)
	if terr != nil {
		collector.Release()
		h.writeErrorResponse(w, 500, "", terr)
		return
	}

	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, h.Alloc)
	batches := collector.Batches()
	if collector.DataWritten() {
		last := batches[len(batches)-1]
		last.Metadata[vgi.MetaStreamState] = tok
		for _, b := range batches {
			_ = sw.WriteBatch(b)
		}
	} else {
		for _, b := range batches {
			_ = sw.WriteBatch(b)
		}
		contBatch := ipcstream.NewEmptyBatch(h.Alloc, outputSchema, map[string]string{vgi.MetaStreamState: tok, vgi.MetaServerID: h.ServerID})
		_ = sw.WriteBatch(contBatch)
		contBatch.Release()
	}
	collector.Release()
	_ = sw.Close()
	h.writeBody(w, 200, buf.Bytes())
}

func (h *Handler) packToken(state registry.State, outputSchema, inputSchema ipcstream.Schema) (string, error) {
	stateBytes, err := h.Serializer.Serialize(state)
	if err != nil {
		return "", vgierr.WrapProtocol("serialize stream state", err)
	}
	outBytes, err := ipcstream.EncodeSchemaOnly(outputSchema)
	if err != nil {
		return "", vgierr.WrapProtocol("encode output schema", err)
	}
	inBytes, err := ipcstream.EncodeSchemaOnly(inputSchema)
	if err != nil {
		return "", vgierr.WrapProtocol("encode input schema", err)
	}
	return token.Pack(stateBytes, outBytes, inBytes, time.Now(), h.Config.SigningKey)
}

func (h *Handler) unpackToken(raw string) (registry.State, ipcstream.Schema, ipcstream.Schema, error) {
	tok, err := token.Unpack(raw, h.Config.SigningKey, h.Config.TokenTTL, time.Now())
	if err != nil {
		return nil, ipcstream.Schema{}, ipcstream.Schema{}, err
	}
	stateMap, err := h.Serializer.Deserialize(tok.State)
	if err != nil {
		return nil, ipcstream.Schema{}, ipcstream.Schema{}, vgierr.WrapProtocol("deserialize stream state", err)
	}
	outputSchema, err := ipcstream.DecodeSchemaOnly(tok.OutputSchema)
	if err != nil {
		return nil, ipcstream.Schema{}, ipcstream.Schema{}, vgierr.WrapProtocol("decode cached output schema", err)
	}
	inputSchema, err := ipcstream.DecodeSchemaOnly(tok.InputSchema)
	if err != nil {
		return nil, ipcstream.Schema{}, ipcstream.Schema{}, vgierr.WrapProtocol("decode cached input schema", err)
	}
	return registry.State(stateMap), outputSchema, inputSchema, nil
}

func releaseAll(batches []*ipcstream.Batch) {
	for _, b := range batches {
		b.Release()
	}
}
