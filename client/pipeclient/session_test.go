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

package pipeclient

import (
	"bytes"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
)

// writeRoundBatch appends one round's data frame onto sw, the shape
// runDataLoop itself uses: one shared StreamWriter for the whole session,
// with the outer end-of-stream sentinel written only once the session's
// last round has been produced. more, when true, stamps the pipe_more
// marker that tells the session another round is expected.
func writeRoundBatch(t *testing.T, sw *ipcstream.StreamWriter, alloc memory.Allocator, more bool) {
	t.Helper()
	schema := ipcstream.Schema{Fields: []ipcstream.Field{{Name: "total", Kind: ipcstream.KindInt64}}}
	rb := ipcstream.NewRecordBuilder(alloc, schema)
	require.NoError(t, rb.AppendRow([]any{int64(1)}))
	meta := map[string]string{}
	if more {
		meta[vgi.MetaPipeMore] = "1"
	}
	b := rb.NewBatch(meta)
	defer rb.Release()
	defer b.Release()
	require.NoError(t, sw.WriteBatch(b))
}

// buildRoundResponse encodes a single round's response as its own
// complete outer stream (data frame plus terminator) — the shape a
// session reading only one round from a fresh reader expects.
func buildRoundResponse(t *testing.T, more bool) []byte {
	t.Helper()
	alloc := memory.NewGoAllocator()
	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, alloc)
	writeRoundBatch(t, sw, alloc, more)
	require.NoError(t, sw.Close())
	return buf.Bytes()
}

func newExchangeSession(r []byte) (*streamSession, *bytes.Buffer) {
	var out bytes.Buffer
	c := &Client{r: bytes.NewReader(r), w: &out, alloc: memory.NewGoAllocator()}
	return &streamSession{c: c, shape: StreamShape{IsProducer: false}, method: "sum", requestID: "req-1"}, &out
}

// TestExchangeLocksInputSchemaOnFirstRound confirms the schema inferred
// from the first Exchange round's rows locks the session's input schema
// for every later round.
func TestExchangeLocksInputSchemaOnFirstRound(t *testing.T) {
	s, _ := newExchangeSession(buildRoundResponse(t, true))

	rows, err := s.Exchange([]map[string]any{{"a": int32(1)}})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"total": int64(1)}}, rows)
	require.NotNil(t, s.inputSchema)
	assert.Equal(t, ipcstream.KindInt64, s.inputSchema.Fields[0].Kind)
}

// TestExchangeRejectsSchemaChangeMidSession covers the other half of
// property 6: once the input schema is locked, a later round whose rows
// infer to a different schema is rejected before anything is written to
// the pipe.
func TestExchangeRejectsSchemaChangeMidSession(t *testing.T) {
	s, out := newExchangeSession(buildRoundResponse(t, true))

	_, err := s.Exchange([]map[string]any{{"a": int32(1)}})
	require.NoError(t, err)
	written := out.Len()

	_, err = s.Exchange([]map[string]any{{"a": "not-an-int"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange input schema changed")
	assert.Equal(t, written, out.Len(), "a rejected round must not write anything to the pipe")
}

// TestExchangeRejectsCallsAfterDoneOrClosed covers the state-machine
// guard rails: once a session reports done (server's last round observed)
// or has been closed, further calls fail without touching the pipe.
func TestExchangeRejectsCallsAfterDoneOrClosed(t *testing.T) {
	doneSession, _ := newExchangeSession(nil)
	doneSession.done = true
	_, err := doneSession.Exchange(nil)
	require.Error(t, err)

	closedSession, _ := newExchangeSession(nil)
	closedSession.closed = true
	_, err = closedSession.Exchange(nil)
	require.Error(t, err)
}

// TestNextStopsAfterFinalRound drives a two-round Producer stream to
// completion: the first round carries pipe_more, the second does not, so
// Next reports ok=false on the call after the final round without
// issuing another round-trip.
func TestNextStopsAfterFinalRound(t *testing.T) {
	alloc := memory.NewGoAllocator()
	var resp bytes.Buffer
	sw := ipcstream.NewStreamWriter(&resp, alloc)
	writeRoundBatch(t, sw, alloc, true)
	writeRoundBatch(t, sw, alloc, false)
	require.NoError(t, sw.Close())

	var out bytes.Buffer
	c := &Client{r: bytes.NewReader(resp.Bytes()), w: &out, alloc: memory.NewGoAllocator()}
	s := &streamSession{c: c, shape: StreamShape{IsProducer: true}, method: "count", requestID: "req-1"}

	rows, ok, err := s.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []map[string]any{{"total": int64(1)}}, rows)
	assert.False(t, s.done)

	rows, ok, err = s.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []map[string]any{{"total": int64(1)}}, rows)
	assert.True(t, s.done)

	rows, ok, err = s.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rows)
}

// TestCloseWritesTerminatorWhenNotDone is the regression test for the
// pipe-wide deadlock this closer used to cause: abandoning a session
// before its last round must still write the outer-stream's zero-length
// terminator frame, or the server's blocked round-read never observes
// EOF.
func TestCloseWritesTerminatorWhenNotDone(t *testing.T) {
	s, out := newExchangeSession(nil)
	s.c.mu.Lock() // Close expects to release the single-flight lock it holds

	require.NoError(t, s.Close())
	assert.Equal(t, []byte{0, 0, 0, 0}, out.Bytes(), "Close must write the zero-length end-of-stream sentinel")

	assert.True(t, s.closed)
	// A second Close is a no-op and must not write again.
	require.NoError(t, s.Close())
	assert.Equal(t, []byte{0, 0, 0, 0}, out.Bytes())
}

// TestCloseWritesNothingWhenAlreadyDone confirms Close does not emit a
// redundant terminator once the session already observed the server's
// end of its own accord.
func TestCloseWritesNothingWhenAlreadyDone(t *testing.T) {
	s, out := newExchangeSession(nil)
	s.done = true
	s.c.mu.Lock()

	require.NoError(t, s.Close())
	assert.Empty(t, out.Bytes())
}

func TestLogsReturnsAndClears(t *testing.T) {
	s, _ := newExchangeSession(nil)
	s.appendLog(vgi.LogWarn, "careful", map[string]any{"k": "v"})
	s.appendLog(vgi.LogInfo, "fyi", nil)

	logs := s.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "careful", logs[0].Message)
	assert.Empty(t, s.Logs())
}
