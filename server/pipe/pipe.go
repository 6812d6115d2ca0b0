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

// Package pipe implements the stream dispatcher and server loop for the
// process-pipe transport: the producer/exchange state machine on a duplex
// byte channel, the optional header stream, the lockstep one-in/one-out
// data loop, and the drain discipline that keeps the two halves of the
// pipe aligned across requests.
package pipe

import (
	"errors"
	"io"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// Dispatcher serves Producer and Exchange methods of a fixed Protocol
// over one pipe (one duplex byte channel).
type Dispatcher struct {
	Protocol *registry.Protocol
	ServerID string
	Alloc    memory.Allocator
	Logger   *zap.Logger
}

// NewDispatcher returns a Dispatcher. logger may be nil.
func NewDispatcher(protocol *registry.Protocol, serverID string, alloc memory.Allocator, logger *zap.Logger) *Dispatcher {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Protocol: protocol, ServerID: serverID, Alloc: alloc, Logger: logger}
}

// Serve runs the pipe server loop: it repeatedly dispatches one request
// stream at a time until r reaches EOF (graceful shutdown) or a
// TransportError terminates the loop.
func (d *Dispatcher) Serve(r io.Reader, w io.Writer) error {
	rw := newRetryWriter(w)
	for {
		err := d.dispatchStream(r, rw)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		var transportErr *vgierr.TransportError
		if errors.As(err, &transportErr) {
			return err
		}
		d.Logger.Warn("pipe stream dispatch error, continuing to serve", zap.Error(err))
	}
}

// dispatchStream handles exactly one logical stream session: the
// request prologue, the optional header stream, and the data loop.
func (d *Dispatcher) dispatchStream(r io.Reader, w io.Writer) error {
	reqSR := ipcstream.NewStreamReader(r, d.Alloc)
	reqBatch, err := reqSR.ReadBatch()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return vgierr.WrapTransport("read request stream", err)
	}
	defer reqBatch.Release()
	if err := reqSR.Drain(); err != nil {
		d.Logger.Debug("draining trailing request batches", zap.Error(err))
	}

	parsed, err := wire.ParseRequest(reqBatch)
	if err != nil {
		return d.emitPrologueErrorAndDrain(w, r, ipcstream.Schema{}, "", err)
	}

	if parsed.Method == vgi.DescribeMethodName {
		return d.dispatchDescribe(w, parsed)
	}

	method, ok := d.Protocol.Lookup(parsed.Method)
	if !ok {
		return d.emitPrologueErrorAndDrain(w, r, ipcstream.Schema{}, parsed.RequestID, d.Protocol.UnknownMethodError(parsed.Method))
	}

	if method.Kind == registry.KindUnary {
		return d.dispatchUnary(w, method, parsed, reqBatch.Schema)
	}

	var initLogs []*ipcstream.Batch
	initOnLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.OutputSchema, level, message, extra, d.ServerID, parsed.RequestID, d.Alloc)
		if err != nil {
			d.Logger.Warn("build init log batch", zap.Error(err))
			return
		}
		initLogs = append(initLogs, b)
	}
	initCtx := registry.NewRequestContext(d.ServerID, parsed.RequestID, initOnLog)

	state, err := method.Init(parsed.Params, initCtx)
	if err != nil {
		errSchema := method.OutputSchema
		if method.HasHeader {
			errSchema = method.HeaderSchema
		}
		return d.emitPrologueErrorAndDrain(w, r, errSchema, parsed.RequestID, err)
	}

	kind := method.Kind
	if ov, ok := registry.OverrideKind(state); ok {
		kind = ov
	}
	outputSchema := method.OutputSchema
	if ov, ok := registry.OverrideOutputSchema(state); ok {
		outputSchema = ov
	}

	if method.HasHeader {
		if err := d.runHeaderStream(w, method, parsed, state, initLogs); err != nil {
			releaseAll(initLogs)
			drainErr := ipcstream.NewStreamReader(r, d.Alloc).Drain()
			if drainErr != nil {
				d.Logger.Debug("draining input after header failure", zap.Error(drainErr))
			}
			return err
		}
	} else if len(initLogs) > 0 {
		d.Logger.Debug("discarding init logs: method has no header stream to carry them on the pipe transport", zap.Int("count", len(initLogs)))
		releaseAll(initLogs)
	}

	return d.runDataLoop(r, w, method, parsed, state, kind, outputSchema)
}

func (d *Dispatcher) runHeaderStream(w io.Writer, method *registry.Method, parsed *wire.ParsedRequest, state registry.State, initLogs []*ipcstream.Batch) error {
	hsw := ipcstream.NewStreamWriter(w, d.Alloc)

	var headerLogs []*ipcstream.Batch
	honLog := func(level vgi.LogLevel, message string, extra map[string]any) {
		b, err := wire.BuildLogBatch(method.HeaderSchema, level, message, extra, d.ServerID, parsed.RequestID, d.Alloc)
		if err != nil {
			return
		}
		headerLogs = append(headerLogs, b)
	}
	hctx := registry.NewRequestContext(d.ServerID, parsed.RequestID, honLog)

	headerValues, herr := method.HeaderInit(parsed.Params, state, hctx)

	var logWriteErr error
	for _, b := range initLogs {
		logWriteErr = multierr.Append(logWriteErr, hsw.WriteBatch(b))
		b.Release()
	}
	for _, b := range headerLogs {
		logWriteErr = multierr.Append(logWriteErr, hsw.WriteBatch(b))
		b.Release()
	}
	if logWriteErr != nil {
		d.Logger.Debug("writing header-stream log batches", zap.Error(logWriteErr))
	}

	if herr != nil {
		wrapped := vgierr.WrapHandler(herr)
		errBatch := wire.BuildErrorBatch(method.HeaderSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, d.ServerID, parsed.RequestID, d.Alloc)
		writeErr := hsw.WriteBatch(errBatch)
		errBatch.Release()
		if err := multierr.Combine(writeErr, hsw.Close()); err != nil {
			d.Logger.Debug("writing header error batch", zap.Error(err))
		}
		return herr
	}

	headerBatch, err := wire.BuildResultBatch(method.HeaderSchema, headerValues, d.ServerID, parsed.RequestID, d.Alloc)
	if err != nil {
		errBatch := wire.BuildErrorBatch(method.HeaderSchema, "ContractError", err.Error(), "", d.ServerID, parsed.RequestID, d.Alloc)
		writeErr := hsw.WriteBatch(errBatch)
		errBatch.Release()
		if cerr := multierr.Combine(writeErr, hsw.Close()); cerr != nil {
			d.Logger.Debug("writing header contract-error batch", zap.Error(cerr))
		}
		return err
	}
	defer headerBatch.Release()
	if err := hsw.WriteBatch(headerBatch); err != nil {
		return vgierr.WrapTransport("write header batch", err)
	}
	return hsw.Close()
}

func (d *Dispatcher) runDataLoop(r io.Reader, w io.Writer, method *registry.Method, parsed *wire.ParsedRequest, state registry.State, kind registry.Kind, outputSchema ipcstream.Schema) error {
	inSR := ipcstream.NewStreamReader(r, d.Alloc)
	outSW := ipcstream.NewStreamWriter(w, d.Alloc)

	for {
		inBatch, err := inSR.ReadBatch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return vgierr.WrapTransport("read input batch", err)
		}

		collector := registry.NewOutputCollector(d.Alloc, outputSchema, d.ServerID, parsed.RequestID, kind == registry.KindProducer)

		var callErr error
		switch kind {
		case registry.KindProducer:
			callErr = method.Produce(state, collector)
		default:
			if verr := wire.ValidateSchema(inBatch.Schema, method.InputSchema); verr != nil {
				callErr = verr
			} else {
				callErr = method.Exchange(state, inBatch, collector)
			}
		}
		inBatch.Release()

		if callErr != nil {
			exceptionType, msg := vgierr.Classify(callErr)
			traceback := ""
			if he, ok := callErr.(*vgierr.HandlerError); ok {
				traceback = he.Traceback
			}
			errBatch := wire.BuildErrorBatch(outputSchema, exceptionType, msg, traceback, d.ServerID, parsed.RequestID, d.Alloc)
			writeErr := outSW.WriteBatch(errBatch)
			errBatch.Release()
			collector.Release()
			if writeErr != nil {
				return vgierr.WrapTransport("write error batch", writeErr)
			}
			if err := multierr.Combine(outSW.Close(), inSR.Drain()); err != nil {
				d.Logger.Debug("closing output / draining input after data-loop error", zap.Error(err))
			}
			return nil
		}

		batches := collector.Batches()
		finished := collector.Finished()
		if kind == registry.KindProducer && !finished && len(batches) > 0 {
			batches[len(batches)-1].Metadata[vgi.MetaPipeMore] = "1"
		}
		for _, b := range batches {
			if err := outSW.WriteBatch(b); err != nil {
				collector.Release()
				return vgierr.WrapTransport("write data-loop batch", err)
			}
		}
		collector.Release()
		if finished {
			break
		}
		if kind == registry.KindProducer && len(batches) == 0 {
			// Produce emitted nothing and did not Finish: still tell the
			// client another tick is expected, via a bare marker batch,
			// since there is no batch to piggyback the flag on.
			marker := ipcstream.NewEmptyBatch(d.Alloc, outputSchema, map[string]string{vgi.MetaPipeMore: "1"})
			if err := outSW.WriteBatch(marker); err != nil {
				marker.Release()
				return vgierr.WrapTransport("write pipe-more marker", err)
			}
			marker.Release()
		}
	}
	return outSW.Close()
}

func (d *Dispatcher) emitPrologueErrorAndDrain(w io.Writer, r io.Reader, schema ipcstream.Schema, requestID string, cause error) error {
	sw := ipcstream.NewStreamWriter(w, d.Alloc)
	exceptionType, msg := vgierr.Classify(cause)
	b := wire.BuildErrorBatch(schema, exceptionType, msg, "", d.ServerID, requestID, d.Alloc)
	writeErr := sw.WriteBatch(b)
	b.Release()
	closeErr := sw.Close()
	if writeErr != nil {
		return vgierr.WrapTransport("write prologue error batch", writeErr)
	}
	if err := multierr.Combine(closeErr, ipcstream.NewStreamReader(r, d.Alloc).Drain()); err != nil {
		d.Logger.Debug("closing output / draining input after prologue error", zap.Error(err))
	}
	return nil
}

func releaseAll(batches []*ipcstream.Batch) {
	for _, b := range batches {
		b.Release()
	}
}

// dispatchUnary runs a Unary method's request/response exchange on its
// own IPC stream, mirroring server/unary.Dispatcher's logic — the pipe
// transport serves all three method kinds, not just Producer/Exchange.
func (d *Dispatcher) dispatchUnary(w io.Writer, method *registry.Method, parsed *wire.ParsedRequest, reqSchema ipcstream.Schema) error {
	sw := ipcstream.NewStreamWriter(w, d.Alloc)

	if err := wire.ValidateSchema(reqSchema, method.ParamSchema); err != nil {
		return d.writeUnaryError(sw, parsed, method.ResultSchema, err)
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
	defer releaseAll(logBatches)

	for _, b := range logBatches {
		if err := sw.WriteBatch(b); err != nil {
			return vgierr.WrapTransport("write log batch", err)
		}
	}

	if herr != nil {
		wrapped := vgierr.WrapHandler(herr)
		errBatch := wire.BuildErrorBatch(method.ResultSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, d.ServerID, parsed.RequestID, d.Alloc)
		writeErr := sw.WriteBatch(errBatch)
		errBatch.Release()
		if cerr := multierr.Combine(writeErr, sw.Close()); cerr != nil {
			return vgierr.WrapTransport("write error batch", cerr)
		}
		return nil
	}

	result, err := wire.BuildResultBatch(method.ResultSchema, values, d.ServerID, parsed.RequestID, d.Alloc)
	if err != nil {
		wrapped := vgierr.WrapHandler(err)
		errBatch := wire.BuildErrorBatch(method.ResultSchema, wrapped.ExceptionType, wrapped.Msg, wrapped.Traceback, d.ServerID, parsed.RequestID, d.Alloc)
		writeErr := sw.WriteBatch(errBatch)
		errBatch.Release()
		if cerr := multierr.Combine(writeErr, sw.Close()); cerr != nil {
			return vgierr.WrapTransport("write error batch", cerr)
		}
		return nil
	}
	defer result.Release()
	if err := sw.WriteBatch(result); err != nil {
		return vgierr.WrapTransport("write result batch", err)
	}
	return sw.Close()
}

func (d *Dispatcher) writeUnaryError(sw *ipcstream.StreamWriter, parsed *wire.ParsedRequest, schema ipcstream.Schema, cause error) error {
	exceptionType, msg := vgierr.Classify(cause)
	b := wire.BuildErrorBatch(schema, exceptionType, msg, "", d.ServerID, parsed.RequestID, d.Alloc)
	writeErr := sw.WriteBatch(b)
	b.Release()
	if cerr := multierr.Combine(writeErr, sw.Close()); cerr != nil {
		return vgierr.WrapTransport("write error batch", cerr)
	}
	return nil
}

// dispatchDescribe serves the reserved introspection method on its own
// IPC stream.
func (d *Dispatcher) dispatchDescribe(w io.Writer, parsed *wire.ParsedRequest) error {
	sw := ipcstream.NewStreamWriter(w, d.Alloc)
	b, err := registry.BuildDescribeBatch(d.Protocol, d.ServerID, d.Alloc)
	if err != nil {
		return d.writeUnaryError(sw, parsed, ipcstream.Schema{}, err)
	}
	defer b.Release()
	if err := sw.WriteBatch(b); err != nil {
		return vgierr.WrapTransport("write describe batch", err)
	}
	return sw.Close()
}
