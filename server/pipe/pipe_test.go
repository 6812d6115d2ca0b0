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

package pipe

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

func echoProtocol(t *testing.T) *registry.Protocol {
	t.Helper()
	p := registry.NewProtocol("test")
	require.NoError(t, p.Register(&registry.Method{
		Name:         "echo",
		Kind:         registry.KindUnary,
		ParamSchema:  ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}},
		ResultSchema: ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}},
		Handler: func(params map[string]any, ctx *registry.RequestContext) (map[string]any, error) {
			return map[string]any{"n": params["n"]}, nil
		},
	}))
	require.NoError(t, p.Register(&registry.Method{
		Name: "count",
		Kind: registry.KindProducer,
		ParamSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			{Name: "limit", Kind: ipcstream.KindInt32},
		}},
		OutputSchema: ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}},
		Init: func(params map[string]any, ctx *registry.RequestContext) (registry.State, error) {
			limit, err := int32Param(params, "limit")
			if err != nil {
				return nil, err
			}
			return registry.State{"n": int32(0), "limit": limit}, nil
		},
		Produce: func(state registry.State, out *registry.OutputCollector) error {
			n := state["n"].(int32)
			limit := state["limit"].(int32)
			if n >= limit {
				return out.Finish()
			}
			state["n"] = n + 1
			return out.Data(map[string]any{"n": n})
		},
	}))
	return p
}

func int32Param(params map[string]any, name string) (int32, error) {
	v, ok := params[name]
	if !ok {
		return 0, vgierr.NewContractf("missing parameter %q", name)
	}
	coerced, err := wire.CoerceInt(v, 32)
	if err != nil {
		return 0, err
	}
	return coerced.(int32), nil
}

func newPipeTestDispatcher(t *testing.T) (*Dispatcher, memory.Allocator) {
	t.Helper()
	alloc := memory.NewGoAllocator()
	return NewDispatcher(echoProtocol(t), "srv-1", alloc, zap.NewNop()), alloc
}

func writeRequestStream(t *testing.T, w io.Writer, alloc memory.Allocator, schema ipcstream.Schema, params map[string]any, method string) {
	t.Helper()
	batch, err := wire.BuildRequestBatch(schema, params, method, "req-1", alloc)
	require.NoError(t, err)
	defer batch.Release()
	sw := ipcstream.NewStreamWriter(w, alloc)
	require.NoError(t, sw.WriteBatch(batch))
	require.NoError(t, sw.Close())
}

func TestDispatchStreamUnaryOverPipe(t *testing.T) {
	d, alloc := newPipeTestDispatcher(t)

	var reqBuf, respBuf bytes.Buffer
	writeRequestStream(t, &reqBuf, alloc, ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}}, map[string]any{"n": int32(42)}, "echo")

	require.NoError(t, d.dispatchStream(&reqBuf, &respBuf))

	sr := ipcstream.NewStreamReader(&respBuf, alloc)
	batch, err := sr.ReadBatch()
	require.NoError(t, err)
	row, err := batch.Row(0)
	require.NoError(t, err)
	assert.Equal(t, int32(42), row[0])
}

func TestDispatchStreamUnknownMethodOverPipe(t *testing.T) {
	d, alloc := newPipeTestDispatcher(t)

	var reqBuf, respBuf bytes.Buffer
	writeRequestStream(t, &reqBuf, alloc, ipcstream.Schema{}, map[string]any{}, "does_not_exist")

	require.NoError(t, d.dispatchStream(&reqBuf, &respBuf))

	sr := ipcstream.NewStreamReader(&respBuf, alloc)
	batch, err := sr.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, "ProtocolError", batch.Metadata["log_message"][:len("ProtocolError")])
}

func TestDispatchStreamDescribeOverPipe(t *testing.T) {
	d, alloc := newPipeTestDispatcher(t)

	var reqBuf, respBuf bytes.Buffer
	writeRequestStream(t, &reqBuf, alloc, ipcstream.Schema{}, map[string]any{}, "__describe__")

	require.NoError(t, d.dispatchStream(&reqBuf, &respBuf))

	sr := ipcstream.NewStreamReader(&respBuf, alloc)
	batch, err := sr.ReadBatch()
	require.NoError(t, err)
	assert.Greater(t, batch.RowCount(), 0)
}

// writeTickStream appends one more round's tick batch (a zero-row input
// batch, as pipeclient.streamSession.Exchange sends for a Producer round)
// onto reqBuf, continuing the session's one input stream without a
// terminator. runDataLoop blocks reading one of these before every
// Produce/Exchange call, including the first.
func writeTickStream(t *testing.T, w io.Writer, alloc memory.Allocator) {
	t.Helper()
	tick := ipcstream.NewEmptyBatch(alloc, ipcstream.Schema{}, map[string]string{})
	defer tick.Release()
	sw := ipcstream.NewStreamWriter(w, alloc)
	require.NoError(t, sw.WriteBatch(tick))
}

func TestDispatchStreamProducerCoercesWidenedIntParam(t *testing.T) {
	// Regression test: count's Init must accept a client-inferred int64
	// limit (client/*client codecs always infer integer params as
	// KindInt64) narrowed down to its declared int32 width.
	d, alloc := newPipeTestDispatcher(t)

	var reqBuf, respBuf bytes.Buffer
	widenedSchema := ipcstream.Schema{Fields: []ipcstream.Field{{Name: "limit", Kind: ipcstream.KindInt64}}}
	writeRequestStream(t, &reqBuf, alloc, widenedSchema, map[string]any{"limit": int64(2)}, "count")
	// One tick per round: two rounds emit a row each (n=0, n=1), a third
	// round's tick drives Produce past the limit so it calls Finish.
	writeTickStream(t, &reqBuf, alloc)
	writeTickStream(t, &reqBuf, alloc)
	writeTickStream(t, &reqBuf, alloc)
	// The input stream's terminator; Finish ends the loop before it is read.
	require.NoError(t, ipcstream.NewStreamWriter(&reqBuf, alloc).Close())

	require.NoError(t, d.dispatchStream(&reqBuf, &respBuf))

	sr := ipcstream.NewStreamReader(&respBuf, alloc)
	var ns []int32
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			break
		}
		if b.RowCount() == 0 {
			continue
		}
		row, err := b.Row(0)
		require.NoError(t, err)
		ns = append(ns, row[0].(int32))
	}
	assert.Equal(t, []int32{0, 1}, ns)
}

type temporaryError struct{ temp bool }

func (e *temporaryError) Error() string   { return "temporary write error" }
func (e *temporaryError) Temporary() bool { return e.temp }

type flakyWriter struct {
	failures int
	written  bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, &temporaryError{temp: true}
	}
	return w.written.Write(p)
}

func TestRetryWriterRetriesTemporaryErrors(t *testing.T) {
	fw := &flakyWriter{failures: 3}
	rw := newRetryWriter(fw)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", fw.written.String())
}

func TestRetryWriterGivesUpOnNonTemporaryError(t *testing.T) {
	rw := newRetryWriter(&alwaysFailWriter{})
	_, err := rw.Write([]byte("x"))
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*temporaryError)))
}

type alwaysFailWriter struct{}

func (alwaysFailWriter) Write(p []byte) (int, error) {
	return 0, errors.New("permanent failure")
}
