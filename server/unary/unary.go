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

// Package unary implements the unary dispatcher: parse one request
// stream, invoke the handler, and emit its collected log
// batches followed by exactly one result or error batch, all on a single
// outgoing IPC stream.
package unary

import (
	"io"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// Dispatcher serves unary calls against a fixed Protocol.
type Dispatcher struct {
	Protocol *registry.Protocol
	ServerID string
	Alloc    memory.Allocator
	Logger   *zap.Logger
}

// NewDispatcher returns a Dispatcher. logger may be nil (zap.NewNop() is used).
func NewDispatcher(protocol *registry.Protocol, serverID string, alloc memory.Allocator, logger *zap.Logger) *Dispatcher {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Protocol: protocol, ServerID: serverID, Alloc: alloc, Logger: logger}
}

// Dispatch reads exactly one request IPC stream from r and writes
// exactly one response IPC stream to w: any log batches the handler
// produced via RequestContext.ClientLog, followed by one result batch
// or, on failure, one error batch.
func (d *Dispatcher) Dispatch(r io.Reader, w io.Writer) error {
	sr := ipcstream.NewStreamReader(r, d.Alloc)
	req, err := sr.ReadBatch()
	if err != nil {
		return vgierr.WrapTransport("read request stream", err)
	}
	defer req.Release()
	if err := sr.Drain(); err != nil {
		d.Logger.Warn("draining trailing request batches", zap.Error(err))
	}

	sw := ipcstream.NewStreamWriter(w, d.Alloc)
	defer sw.Close()

	parsed, err := wire.ParseRequest(req)
	if err != nil {
		return d.writeError(sw, parsed, registryErrorSchema(), err)
	}

	if parsed.Method == vgi.DescribeMethodName {
		return d.writeDescribe(sw, parsed)
	}

	method, ok := d.Protocol.Lookup(parsed.Method)
	if !ok || method.Kind != registry.KindUnary {
		return d.writeError(sw, parsed, registryErrorSchema(), d.Protocol.UnknownMethodError(parsed.Method))
	}

	if err := wire.ValidateSchema(req.Schema, method.ParamSchema); err != nil {
		return d.writeError(sw, parsed, method.ResultSchema, err)
	}

	var logBatches []*ipcstream.Batch
	onLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.ResultSchema, level, message, extra, d.ServerID, parsed.RequestID, d.Alloc)
		if err != nil {
			d.Logger.Warn("failed to build log batch", zap.Error(err))
			return
		}
		logBatches = append(logBatches, b)
	}
	rctx := registry.NewRequestContext(d.ServerID, parsed.RequestID, onLog)

	values, herr := method.Handler(parsed.Params, rctx)
	defer func() {
		for _, b := range logBatches {
			b.Release()
		}
	}()

	for _, b := range logBatches {
		if err := sw.WriteBatch(b); err != nil {
			return vgierr.WrapTransport("write log batch", err)
		}
	}

	if herr != nil {
		wrapped := vgierr.WrapHandler(herr)
		errBatch := wire.BuildErrorBatch(method.ResultSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, d.ServerID, parsed.RequestID, d.Alloc)
		defer errBatch.Release()
		if err := sw.WriteBatch(errBatch); err != nil {
			return vgierr.WrapTransport("write error batch", err)
		}
		return nil
	}

	result, err := wire.BuildResultBatch(method.ResultSchema, values, d.ServerID, parsed.RequestID, d.Alloc)
	if err != nil {
		wrapped := vgierr.WrapHandler(err)
		errBatch := wire.BuildErrorBatch(method.ResultSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, d.ServerID, parsed.RequestID, d.Alloc)
		defer errBatch.Release()
		return sw.WriteBatch(errBatch)
	}
	defer result.Release()
	if err := sw.WriteBatch(result); err != nil {
		return vgierr.WrapTransport("write result batch", err)
	}
	return nil
}

func (d *Dispatcher) writeError(sw *ipcstream.StreamWriter, parsed *wire.ParsedRequest, schema ipcstream.Schema, cause error) error {
	requestID := ""
	if parsed != nil {
		requestID = parsed.RequestID
	}
	kind, msg := vgierr.Classify(cause)
	b := wire.BuildErrorBatch(schema, kind, msg, "", d.ServerID, requestID, d.Alloc)
	defer b.Release()
	if err := sw.WriteBatch(b); err != nil {
		return vgierr.WrapTransport("write error batch", err)
	}
	return nil
}

func (d *Dispatcher) writeDescribe(sw *ipcstream.StreamWriter, parsed *wire.ParsedRequest) error {
	b, err := registry.BuildDescribeBatch(d.Protocol, d.ServerID, d.Alloc)
	if err != nil {
		return d.writeError(sw, parsed, registryErrorSchema(), err)
	}
	defer b.Release()
	if err := sw.WriteBatch(b); err != nil {
		return vgierr.WrapTransport("write describe batch", err)
	}
	return nil
}

// registryErrorSchema returns the empty schema used to shape an error
// batch when no method-specific schema is known yet (e.g. the request
// failed to parse before a method could be resolved).
func registryErrorSchema() ipcstream.Schema {
	return ipcstream.Schema{}
}
