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

// Package httpclient implements the stateless-transport-but-stateful-object
// HTTP session: every request is a self-contained POST carrying an
// Arrow IPC stream body, and session state (the continuation token, the
// cached output/input schema) lives in the Client/Session objects rather
// than on the wire between rounds.
package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// Client drives a protocol over HTTP against one server.
type Client struct {
	BaseURL    string
	Prefix     string
	HTTPClient *http.Client
	Alloc      memory.Allocator
	Compress   bool

	describeOnce sync.Once
	describeErr  error
	describeByName map[string]client.DescribeRow
}

var _ client.RpcClient = (*Client)(nil)

// NewClient returns a Client posting to baseURL+prefix. httpClient may be
// nil, in which case http.DefaultClient is used.
func NewClient(baseURL, prefix string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, Prefix: prefix, HTTPClient: httpClient, Alloc: memory.NewGoAllocator()}
}

func (c *Client) url(suffix string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.Prefix, "/") + "/" + strings.TrimLeft(suffix, "/")
}

// post sends body as an IPC-stream-content-typed request and returns the
// (decompressed) response body, or an error reconstructed from the HTTP
// status and body when the server reports failure.
func (c *Client) post(path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, vgierr.WrapTransport("build http request", err)
	}
	req.Header.Set("Content-Type", vgi.ArrowIPCStreamContentType)
	req.Header.Set("Accept-Encoding", vgi.ContentEncodingZstd)
	if c.Compress {
		compressed, ok, cerr := compressBody(body)
		if cerr == nil && ok {
			req.Body = io.NopCloser(bytes.NewReader(compressed))
			req.ContentLength = int64(len(compressed))
			req.Header.Set("Content-Encoding", vgi.ContentEncodingZstd)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, vgierr.WrapTransport("http request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vgierr.WrapTransport("read http response", err)
	}
	out, err := decompressBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vgi-rpc: server returned HTTP %d", resp.StatusCode)
	}
	return out, nil
}

// Call invokes a Unary method.
func (c *Client) Call(method string, params map[string]any) (map[string]any, error) {
	reqBatch, err := buildRequestBatch(c.Alloc, method, params, nil)
	if err != nil {
		return nil, err
	}
	defer reqBatch.Release()
	body, err := encodeOneBatch(reqBatch, c.Alloc)
	if err != nil {
		return nil, err
	}
	respBody, err := c.post(method, body)
	if err != nil {
		return nil, err
	}
	return readSingleResult(respBody, c.Alloc)
}

// Describe returns the server's describe rows.
func (c *Client) Describe() ([]client.DescribeRow, error) {
	reqBatch, err := buildRequestBatch(c.Alloc, vgi.DescribeMethodName, nil, nil)
	if err != nil {
		return nil, err
	}
	defer reqBatch.Release()
	body, err := encodeOneBatch(reqBatch, c.Alloc)
	if err != nil {
		return nil, err
	}
	respBody, err := c.post(vgi.DescribeMethodName, body)
	if err != nil {
		return nil, err
	}
	b, err := decodeOneBatch(respBody, c.Alloc)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	return decodeDescribeRows(b)
}

// Close is a no-op: http.Client connection pooling is managed by
// net/http's Transport, not by this object.
func (c *Client) Close() error { return nil }

// methodInfo returns method's describe row, fetching and caching the
// full describe batch on first use. HasHeader drives whether Stream
// expects a header phase in the /init response body.
func (c *Client) methodInfo(method string) (client.DescribeRow, error) {
	c.describeOnce.Do(func() {
		rows, err := c.Describe()
		if err != nil {
			c.describeErr = err
			return
		}
		c.describeByName = make(map[string]client.DescribeRow, len(rows))
		for _, row := range rows {
			c.describeByName[row.Name] = row
		}
	})
	if c.describeErr != nil {
		return client.DescribeRow{}, c.describeErr
	}
	row, ok := c.describeByName[method]
	if !ok {
		return client.DescribeRow{}, vgierr.NewProtocolf("httpclient: unknown method %q", method)
	}
	return row, nil
}

func readSingleResult(body []byte, alloc memory.Allocator) (map[string]any, error) {
	sr := ipcstream.NewStreamReader(bytes.NewReader(body), alloc)
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			if err == io.EOF {
				return nil, vgierr.NewProtocol("http response ended without a result batch")
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
