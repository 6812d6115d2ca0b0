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

package conformance

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/client/httpclient"
	"github.com/query-farm/vgi-rpc-go/client/pipeclient"
	"github.com/query-farm/vgi-rpc-go/server/httpd"
	"github.com/query-farm/vgi-rpc-go/server/pipe"
)

// newPipeClient wires a pipe.Dispatcher serving NewProtocol() to a
// pipeclient.Client over two io.Pipe duplex halves.
func newPipeClient(t *testing.T) *pipeclient.Client {
	t.Helper()
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	d := pipe.NewDispatcher(NewProtocol(), "test-server", memory.NewGoAllocator(), zap.NewNop())
	go func() {
		_ = d.Serve(clientToServerR, serverToClientW)
	}()

	shapes := map[string]pipeclient.StreamShape{
		"count":                    {IsProducer: true, HasHeader: false},
		"scale":                    {IsProducer: false, HasHeader: true},
		"accumulate":               {IsProducer: false, HasHeader: false},
		"produce_error_mid_stream": {IsProducer: true, HasHeader: false},
	}
	return pipeclient.NewClient(serverToClientR, clientToServerW, shapes)
}

func newHTTPClient(t *testing.T) *httpclient.Client {
	t.Helper()
	cfg := httpd.DefaultConfig()
	handler := httpd.NewHandler(NewProtocol(), "test-server", memory.NewGoAllocator(), zap.NewNop(), cfg)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpclient.NewClient(srv.URL, "", &http.Client{})
}

func TestPipeClientAdd(t *testing.T) {
	c := newPipeClient(t)
	result, err := c.Call("add", map[string]any{"a": 2.0, "b": 3.5})
	require.NoError(t, err)
	assert.Equal(t, 5.5, result["result"])
}

func TestHTTPClientAdd(t *testing.T) {
	c := newHTTPClient(t)
	result, err := c.Call("add", map[string]any{"a": 2.0, "b": 3.5})
	require.NoError(t, err)
	assert.Equal(t, 5.5, result["result"])
}

// TestAddRoundTripAcrossTransports checks that the two transports agree
// on add's result for the same parameters.
func TestAddRoundTripAcrossTransports(t *testing.T) {
	pipeC := newPipeClient(t)
	httpC := newHTTPClient(t)

	params := map[string]any{"a": 10.0, "b": -4.0}
	pipeResult, err := pipeC.Call("add", params)
	require.NoError(t, err)
	httpResult, err := httpC.Call("add", params)
	require.NoError(t, err)
	assert.Equal(t, httpResult["result"], pipeResult["result"])
}

func TestPipeClientCountProducer(t *testing.T) {
	c := newPipeClient(t)
	sess, err := c.Stream("count", map[string]any{"limit": int32(3), "batch_size": int32(1)})
	require.NoError(t, err)
	defer sess.Close()

	var ns []int32
	for {
		rows, ok, err := sess.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		for _, row := range rows {
			ns = append(ns, row["n"].(int32))
		}
	}
	assert.Equal(t, []int32{0, 1, 2}, ns)
}

func TestHTTPClientCountProducer(t *testing.T) {
	c := newHTTPClient(t)
	sess, err := c.Stream("count", map[string]any{"limit": int32(3), "batch_size": int32(1)})
	require.NoError(t, err)
	defer sess.Close()

	var ns []int32
	for {
		rows, ok, err := sess.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		for _, row := range rows {
			ns = append(ns, row["n"].(int32))
		}
	}
	assert.Equal(t, []int32{0, 1, 2}, ns)
}

func TestPipeClientAccumulateExchange(t *testing.T) {
	c := newPipeClient(t)
	sess, err := c.Stream("accumulate", map[string]any{})
	require.NoError(t, err)
	defer sess.Close()

	rows, err := sess.Exchange([]map[string]any{{"value": 1.0}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0]["running_sum"])
	assert.Equal(t, int64(1), rows[0]["exchange_count"])

	rows, err = sess.Exchange([]map[string]any{{"value": 2.5}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.5, rows[0]["running_sum"])
	assert.Equal(t, int64(2), rows[0]["exchange_count"])
}

func TestPipeClientScaleExchangeWithHeader(t *testing.T) {
	c := newPipeClient(t)
	sess, err := c.Stream("scale", map[string]any{"factor": 2.0})
	require.NoError(t, err)
	defer sess.Close()

	header, err := sess.Header()
	require.NoError(t, err)
	assert.Equal(t, 2.0, header["factor"])

	rows, err := sess.Exchange([]map[string]any{{"value": 3.0}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 6.0, rows[0]["value"])
}

// TestHTTPClientAccumulateExchange mirrors TestPipeClientAccumulateExchange
// over the HTTP transport: two Exchange rounds against the same session
// must both reuse the continuation token handleExchange returns, and the
// running sum must persist in the token-carried state across rounds.
func TestHTTPClientAccumulateExchange(t *testing.T) {
	c := newHTTPClient(t)
	sess, err := c.Stream("accumulate", map[string]any{})
	require.NoError(t, err)
	defer sess.Close()

	rows, err := sess.Exchange([]map[string]any{{"value": 1.0}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0]["running_sum"])
	assert.Equal(t, int64(1), rows[0]["exchange_count"])

	rows, err = sess.Exchange([]map[string]any{{"value": 2.5}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.5, rows[0]["running_sum"])
	assert.Equal(t, int64(2), rows[0]["exchange_count"])
}

// TestHTTPClientScaleExchangeWithHeader mirrors
// TestPipeClientScaleExchangeWithHeader over HTTP: the header batch must
// survive being concatenated ahead of the data stream inside a single
// HTTP response body, and the declared factor from init must still
// apply to the first exchange round.
func TestHTTPClientScaleExchangeWithHeader(t *testing.T) {
	c := newHTTPClient(t)
	sess, err := c.Stream("scale", map[string]any{"factor": 2.0})
	require.NoError(t, err)
	defer sess.Close()

	header, err := sess.Header()
	require.NoError(t, err)
	assert.Equal(t, 2.0, header["factor"])

	rows, err := sess.Exchange([]map[string]any{{"value": 3.0}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 6.0, rows[0]["value"])
}

// TestHTTPClientCountProducerResumesAcrossByteBudget exercises the
// byte-budget continuation path in server/httpd/stream.go's
// runProducerLoop: with a ByteBudget small enough to force the loop to
// stop and hand back a continuation token after the very first batch,
// the client must still see every row across as many /exchange round
// trips as the budget forces, in order and without duplication.
func TestHTTPClientCountProducerResumesAcrossByteBudget(t *testing.T) {
	cfg := httpd.DefaultConfig()
	cfg.ByteBudget = 1
	handler := httpd.NewHandler(NewProtocol(), "test-server", memory.NewGoAllocator(), zap.NewNop(), cfg)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := httpclient.NewClient(srv.URL, "", &http.Client{})

	sess, err := c.Stream("count", map[string]any{"limit": int32(5), "batch_size": int32(1)})
	require.NoError(t, err)
	defer sess.Close()

	var ns []int32
	rounds := 0
	for {
		rows, ok, err := sess.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rounds++
		for _, row := range rows {
			ns = append(ns, row["n"].(int32))
		}
	}
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, ns)
	assert.Greater(t, rounds, 1, "a 1-byte budget must force more than one continuation round trip")
}

func TestPipeClientProduceErrorMidStream(t *testing.T) {
	c := newPipeClient(t)
	sess, err := c.Stream("produce_error_mid_stream", map[string]any{"emit_before_error": int32(2)})
	require.NoError(t, err)
	defer sess.Close()

	var ns []int32
	var lastErr error
	for {
		rows, ok, err := sess.Next()
		if err != nil {
			lastErr = err
			break
		}
		if !ok {
			break
		}
		for _, row := range rows {
			ns = append(ns, row["n"].(int32))
		}
	}
	assert.Equal(t, []int32{0, 1}, ns)
	require.Error(t, lastErr)
}

func TestPipeClientUnknownMethod(t *testing.T) {
	c := newPipeClient(t)
	_, err := c.Call("does_not_exist", nil)
	require.Error(t, err)
}

func TestPipeClientDescribe(t *testing.T) {
	c := newPipeClient(t)
	rows, err := c.Describe()
	require.NoError(t, err)
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "count")
	assert.Contains(t, names, "accumulate")
}

func TestHTTPClientDescribe(t *testing.T) {
	c := newHTTPClient(t)
	rows, err := c.Describe()
	require.NoError(t, err)
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "scale")
}
