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
	"errors"
	"io"
	"sync"

	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// streamSession drives one Producer or Exchange method over the pipe. It
// holds the transport's single-flight lock for its entire lifetime,
// released on Close.
type streamSession struct {
	c      *Client
	shape  StreamShape
	method string

	requestID   string
	headerDone  bool
	header      map[string]any
	inputSchema *ipcstream.Schema // locked on the first Exchange round; later rounds must match

	logs []client.LogEntry

	done   bool
	closed bool
	mu     sync.Mutex
}

// Stream opens a Session for a Producer or Exchange method, sending the
// init request and, if the method declares one, reading its header batch.
func (c *Client) Stream(method string, params map[string]any) (client.Session, error) {
	c.mu.Lock()

	shape, ok := c.shapes[method]
	if !ok {
		c.mu.Unlock()
		return nil, vgierr.NewContractf("pipeclient: no StreamShape registered for method %q", method)
	}

	reqBatch, err := buildRequestBatch(c.alloc, method, params)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	requestID := reqBatch.Metadata[vgi.MetaRequestID]

	sw := ipcstream.NewStreamWriter(c.w, c.alloc)
	writeErr := sw.WriteBatch(reqBatch)
	reqBatch.Release()
	if writeErr == nil {
		writeErr = sw.Close()
	}
	if writeErr != nil {
		c.mu.Unlock()
		return nil, writeErr
	}

	s := &streamSession{c: c, shape: shape, method: method, requestID: requestID}

	if shape.HasHeader {
		if err := s.readHeader(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	return s, nil
}

// readHeader reads the header stream (its own IPC stream, ended by a
// Close sentinel) that the server writes before the data loop begins.
func (s *streamSession) readHeader() error {
	sr := ipcstream.NewStreamReader(s.c.r, s.c.alloc)
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return vgierr.NewTransport("pipe header stream ended without a header batch")
			}
			return vgierr.WrapTransport("read header stream", err)
		}
		remoteErr, consumed, derr := wire.DispatchLogOrError(b, s.appendLog)
		if derr != nil {
			b.Release()
			return derr
		}
		if remoteErr != nil {
			b.Release()
			s.headerDone = true
			return remoteErr
		}
		if consumed {
			b.Release()
			continue
		}
		row, err := batchToMap(b)
		b.Release()
		if err != nil {
			return err
		}
		s.headerDone = true
		s.header = row
		// Drain the rest of this mini-stream's framing (there is at most
		// one header batch, but the stream itself still needs its own
		// end-of-stream sentinel consumed before the data loop begins).
		return sr.Drain()
	}
}

func (s *streamSession) appendLog(level vgi.LogLevel, message string, extra map[string]any) {
	s.logs = append(s.logs, client.LogEntry{Level: string(level), Message: message, Extra: extra})
}

// Header returns the decoded header row, or nil if the method has none.
func (s *streamSession) Header() (map[string]any, error) {
	if !s.shape.HasHeader {
		return nil, nil
	}
	return s.header, nil
}

// Exchange submits one round. For a Producer, rows is ignored (each call
// is one tick); for an Exchange method the schema of the first non-empty
// round locks the input schema for the rest of the session, and a later
// round with a different inferred schema is rejected.
func (s *streamSession) Exchange(rows []map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, vgierr.NewContract("pipeclient: session is closed")
	}
	if s.done {
		return nil, vgierr.NewContract("pipeclient: stream already finished")
	}

	var inBatch *ipcstream.Batch
	var err error
	if s.shape.IsProducer {
		inBatch = ipcstream.NewEmptyBatch(s.c.alloc, ipcstream.Schema{}, map[string]string{})
	} else {
		schema := inferSchemaFromRows(rows)
		if s.inputSchema == nil {
			s.inputSchema = &schema
		} else if !schema.Equal(*s.inputSchema) {
			return nil, vgierr.NewContract("pipeclient: exchange input schema changed mid-session")
		}
		inBatch, err = buildRoundBatch(s.c.alloc, *s.inputSchema, rows, s.method, s.requestID)
		if err != nil {
			return nil, err
		}
	}

	// Every round's batch continues the session's one input stream; its
	// end-of-stream terminator is written only by Close or after an error.
	sw := ipcstream.NewStreamWriter(s.c.w, s.c.alloc)
	writeErr := sw.WriteBatch(inBatch)
	inBatch.Release()
	if writeErr != nil {
		return nil, vgierr.WrapTransport("write round input", writeErr)
	}

	return s.readRound()
}

// readRound reads one round's batches: zero or more logs, then at most
// one data batch. A producer round that carries no vgi.MetaPipeMore
// marker and no error is the producer's last round; the server's output
// terminator that follows it is consumed here. After an error batch the
// rest of the server's output is consumed and the input stream is ended,
// since the server drains the input after an error.
func (s *streamSession) readRound() ([]map[string]any, error) {
	sr := ipcstream.NewStreamReader(s.c.r, s.c.alloc)
	var out []map[string]any
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return out, nil
			}
			return nil, vgierr.WrapTransport("read round batch", err)
		}
		remoteErr, consumed, derr := wire.DispatchLogOrError(b, s.appendLog)
		if derr != nil {
			b.Release()
			return nil, derr
		}
		if remoteErr != nil {
			b.Release()
			s.done = true
			if derr := sr.Drain(); derr == nil {
				_ = ipcstream.NewStreamWriter(s.c.w, s.c.alloc).Close()
			}
			return nil, remoteErr
		}
		if consumed {
			b.Release()
			continue
		}
		if b.RowCount() > 0 {
			rows, rerr := batchRows(b)
			if rerr != nil {
				b.Release()
				return nil, rerr
			}
			out = rows
		}
		more := b.Metadata[vgi.MetaPipeMore] == "1"
		b.Release()
		if !more && s.shape.IsProducer {
			s.done = true
			if derr := sr.Drain(); derr != nil {
				return nil, vgierr.WrapTransport("read end of final round", derr)
			}
		}
		return out, nil
	}
}

// Next advances the session by one round. ok is false once the stream
// has ended (matching io.EOF-style iteration).
func (s *streamSession) Next() ([]map[string]any, bool, error) {
	s.mu.Lock()
	alreadyDone := s.done
	s.mu.Unlock()
	if alreadyDone {
		return nil, false, nil
	}
	rows, err := s.Exchange(nil)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

// Logs returns and clears log entries observed since the last call.
func (s *streamSession) Logs() []client.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.logs
	s.logs = nil
	return out
}

// Close releases the pipe's single-flight lock. If the caller abandons
// the session before the server has ended it, Close first ends the input
// stream and then drains the server's outstanding output. A session that
// ended on a server error was already drained by readRound.
func (s *streamSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.c.mu.Unlock()

	if s.done {
		return nil
	}
	// The server's data loop is blocked in inSR.ReadBatch() waiting for
	// the next round's tick. Write a lone zero-length outer-stream frame
	// so that read observes EOF and the loop unblocks, rather than
	// leaving the whole pipe connection wedged on an abandoned session.
	// The server then closes its output stream; read it to its terminator
	// so the next call on the pipe starts aligned.
	sw := ipcstream.NewStreamWriter(s.c.w, s.c.alloc)
	if err := sw.Close(); err != nil {
		return err
	}
	return ipcstream.NewStreamReader(s.c.r, s.c.alloc).Drain()
}

func inferSchemaFromRows(rows []map[string]any) ipcstream.Schema {
	if len(rows) == 0 {
		return ipcstream.Schema{}
	}
	return inferSchema(rows[0])
}

func buildRoundBatch(alloc memory.Allocator, schema ipcstream.Schema, rows []map[string]any, method, requestID string) (*ipcstream.Batch, error) {
	meta := map[string]string{vgi.MetaRequestID: requestID}
	if schema.Empty() || len(rows) == 0 {
		return ipcstream.NewEmptyBatch(alloc, schema, meta), nil
	}
	rb := ipcstream.NewRecordBuilder(alloc, schema)
	defer rb.Release()
	for _, params := range rows {
		row := make([]any, len(schema.Fields))
		for i, f := range schema.Fields {
			v, ok := params[f.Name]
			if !ok {
				return nil, vgierr.NewContractf("missing field %q in exchange row", f.Name)
			}
			row[i] = v
		}
		if err := rb.AppendRow(row); err != nil {
			return nil, vgierr.WrapProtocol("build exchange row", err)
		}
	}
	return rb.NewBatch(meta), nil
}
