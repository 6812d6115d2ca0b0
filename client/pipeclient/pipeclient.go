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

// Package pipeclient implements the client side of the process-pipe
// transport: a single pipe carrying sequential IPC streams, with a
// single-flight lock acquired before any call/stream and released on
// every exit path.
package pipeclient

import (
	"errors"
	"io"
	"sync"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/google/uuid"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// StreamShape is the out-of-band knowledge of a stream method's shape
// that the wire format itself does not expose: describe's method_type
// only distinguishes "unary"/"stream", not producer vs. exchange, and
// carries no per-round input schema. A generated or hand-written client
// already knows this about its own protocol, the same way the fixed
// conformance protocol in internal/conformance is shared knowledge
// between client and server.
type StreamShape struct {
	IsProducer bool
	HasHeader  bool
}

// Client drives a protocol over one duplex pipe.
type Client struct {
	r     io.Reader
	w     io.Writer
	alloc memory.Allocator
	shapes map[string]StreamShape

	mu sync.Mutex // the pipe's single-flight lock: one call/stream at a time
}

var _ client.RpcClient = (*Client)(nil)

// NewClient returns a client driving the protocol over (r, w). shapes
// describes every Producer/Exchange method the caller intends to stream.
func NewClient(r io.Reader, w io.Writer, shapes map[string]StreamShape) *Client {
	return &Client{r: r, w: w, alloc: memory.NewGoAllocator(), shapes: shapes}
}

// Call invokes a Unary method.
func (c *Client) Call(method string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqBatch, err := buildRequestBatch(c.alloc, method, params)
	if err != nil {
		return nil, err
	}
	defer reqBatch.Release()

	sw := ipcstream.NewStreamWriter(c.w, c.alloc)
	if err := sw.WriteBatch(reqBatch); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}

	sr := ipcstream.NewStreamReader(c.r, c.alloc)
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("pipeclient: response stream ended without a result batch")
			}
			return nil, err
		}
		remoteErr, consumed, derr := wire.DispatchLogOrError(b, nil)
		if derr != nil {
			b.Release()
			return nil, derr
		}
		if remoteErr != nil {
			b.Release()
			return nil, remoteErr
		}
		if consumed {
			b.Release()
			continue
		}
		row, err := batchToMap(b)
		b.Release()
		return row, err
	}
}

// Describe returns the server's describe rows.
func (c *Client) Describe() ([]client.DescribeRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqBatch, err := buildRequestBatch(c.alloc, vgi.DescribeMethodName, nil)
	if err != nil {
		return nil, err
	}
	defer reqBatch.Release()

	sw := ipcstream.NewStreamWriter(c.w, c.alloc)
	if err := sw.WriteBatch(reqBatch); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}

	sr := ipcstream.NewStreamReader(c.r, c.alloc)
	b, err := sr.ReadBatch()
	if err != nil {
		return nil, err
	}
	defer b.Release()
	if remoteErr, consumed, derr := wire.DispatchLogOrError(b, nil); derr != nil {
		return nil, derr
	} else if remoteErr != nil {
		return nil, remoteErr
	} else if consumed {
		return nil, errors.New("pipeclient: describe returned a log batch instead of data")
	}
	return decodeDescribeRows(b)
}

// Close does nothing and returns nil: the single-flight lock is released
// by each call and by Session.Close. Pipe lifetime is owned
// by the caller (closing the underlying reader/writer, if desired).
func (c *Client) Close() error { return nil }
