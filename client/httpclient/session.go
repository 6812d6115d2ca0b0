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

package httpclient

import (
	"bytes"
	"io"
	"sync"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// httpSession is the client-side object that carries what the stateless
// HTTP transport cannot: the last continuation token and, for an
// Exchange method, the input schema locked by the first round.
type httpSession struct {
	c      *Client
	method string

	mu          sync.Mutex
	token       string
	hasToken    bool
	header      map[string]any
	hasHeader   bool
	inputSchema *ipcstream.Schema
	pending     []map[string]any // data rows carried by the init response
	done        bool
	closed      bool
	logs        []client.LogEntry
}

// Stream opens a Session for a Producer or Exchange method by posting to
// {prefix}/{method}/init.
func (c *Client) Stream(method string, params map[string]any) (client.Session, error) {
	info, err := c.methodInfo(method)
	if err != nil {
		return nil, err
	}

	reqBatch, err := buildRequestBatch(c.Alloc, method, params, nil)
	if err != nil {
		return nil, err
	}
	defer reqBatch.Release()
	body, err := encodeOneBatch(reqBatch, c.Alloc)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(method+"/init", body)
	if err != nil {
		return nil, err
	}

	s := &httpSession{c: c, method: method, hasHeader: info.HasHeader}
	sr := ipcstream.NewStreamReader(bytes.NewReader(respBody), c.Alloc)

	if info.HasHeader {
		if err := s.readPhase(sr, func(b *ipcstream.Batch) error {
			row, rerr := batchToMap(b)
			if rerr != nil {
				return rerr
			}
			s.header = row
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := s.readPhase(sr, func(b *ipcstream.Batch) error {
		rows, rerr := batchRows(b)
		if rerr != nil {
			return rerr
		}
		s.pending = append(s.pending, rows...)
		return nil
	}); err != nil {
		return nil, err
	}
	if !s.hasToken {
		s.done = true
	}
	return s, nil
}

// readPhase reads one concatenated IPC sub-stream (the header stream, or
// the data stream) until its own end-of-stream sentinel. onData, if
// non-nil, is called for every non-log batch that carries rows (the
// header row, or a data batch); stream_state metadata found on any
// batch is captured as the session's continuation token.
func (s *httpSession) readPhase(sr *ipcstream.StreamReader, onData func(*ipcstream.Batch) error) error {
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return vgierr.WrapTransport("read http stream phase", err)
		}
		if tok, ok := b.Metadata[vgi.MetaStreamState]; ok && tok != "" {
			s.token = tok
			s.hasToken = true
		}
		remoteErr, consumed, derr := wire.DispatchLogOrError(b, s.appendLog)
		if derr != nil {
			b.Release()
			return derr
		}
		if remoteErr != nil {
			b.Release()
			return remoteErr
		}
		if consumed {
			b.Release()
			continue
		}
		if onData != nil && b.RowCount() > 0 {
			if err := onData(b); err != nil {
				b.Release()
				return err
			}
		}
		b.Release()
	}
}

func (s *httpSession) appendLog(level vgi.LogLevel, message string, extra map[string]any) {
	s.logs = append(s.logs, client.LogEntry{Level: string(level), Message: message, Extra: extra})
}

// Header returns the decoded header row, or nil if the method has none.
func (s *httpSession) Header() (map[string]any, error) {
	if !s.hasHeader {
		return nil, nil
	}
	return s.header, nil
}

// Exchange posts one round to {prefix}/{method}/exchange, carrying the
// session's continuation token. rows is nil for a producer tick.
func (s *httpSession) Exchange(rows []map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, vgierr.NewContract("httpclient: session is closed")
	}
	if s.done {
		return nil, vgierr.NewContract("httpclient: stream already finished")
	}
	if !s.hasToken {
		return nil, vgierr.NewProtocol("httpclient: no continuation token available for this round")
	}

	var params map[string]any
	schema := ipcstream.Schema{}
	if len(rows) > 0 {
		schema = inferSchema(rows[0])
		if s.inputSchema == nil {
			s.inputSchema = &schema
		} else if !schema.Equal(*s.inputSchema) {
			return nil, vgierr.NewContract("httpclient: exchange input schema changed mid-session")
		}
		params = rows[0]
	}

	reqBatch, err := wire.BuildRequestBatch(schema, params, s.method, "", s.c.Alloc)
	if err != nil {
		return nil, err
	}
	reqBatch.Metadata[vgi.MetaStreamState] = s.token
	body, err := encodeOneBatch(reqBatch, s.c.Alloc)
	reqBatch.Release()
	if err != nil {
		return nil, err
	}

	respBody, err := s.c.post(s.method+"/exchange", body)
	if err != nil {
		return nil, err
	}

	s.hasToken = false
	var out []map[string]any
	sr := ipcstream.NewStreamReader(bytes.NewReader(respBody), s.c.Alloc)
	if err := s.readPhase(sr, func(b *ipcstream.Batch) error {
		rows, rerr := batchRows(b)
		if rerr != nil {
			return rerr
		}
		out = append(out, rows...)
		return nil
	}); err != nil {
		return nil, err
	}
	if !s.hasToken {
		s.done = true
	}
	return out, nil
}

// Next first returns the data rows that arrived with the init response,
// if any; after that it advances the session by one round via
// Exchange(nil): a producer tick, or a zero-row round with an empty
// schema for an Exchange method. ok is false once the stream has ended.
func (s *httpSession) Next() ([]map[string]any, bool, error) {
	s.mu.Lock()
	if pending := s.pending; len(pending) > 0 {
		s.pending = nil
		s.mu.Unlock()
		return pending, true, nil
	}
	done := s.done
	s.mu.Unlock()
	if done {
		return nil, false, nil
	}
	rows, err := s.Exchange(nil)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

// Logs returns and clears log entries observed since the last call.
func (s *httpSession) Logs() []client.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.logs
	s.logs = nil
	return out
}

// Close marks the session closed. There is no server-side state to
// drain: an abandoned token simply expires once its TTL elapses.
func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
