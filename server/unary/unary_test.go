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

package unary

import (
	"bytes"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

func addSchema() ipcstream.Schema {
	return ipcstream.Schema{Fields: []ipcstream.Field{
		{Name: "a", Kind: ipcstream.KindFloat64},
		{Name: "b", Kind: ipcstream.KindFloat64},
	}}
}

func resultSchema() ipcstream.Schema {
	return ipcstream.Schema{Fields: []ipcstream.Field{{Name: "result", Kind: ipcstream.KindFloat64}}}
}

func addProtocol(t *testing.T) *registry.Protocol {
	t.Helper()
	p := registry.NewProtocol("test")
	require.NoError(t, p.Register(&registry.Method{
		Name:         "add",
		Kind:         registry.KindUnary,
		ParamSchema:  addSchema(),
		ResultSchema: resultSchema(),
		Handler: func(params map[string]any, ctx *registry.RequestContext) (map[string]any, error) {
			a, aok := params["a"].(float64)
			b, bok := params["b"].(float64)
			if !aok || !bok {
				return nil, vgierr.NewContract("a and b must be float64")
			}
			ctx.ClientLog(vgi.LogInfo, "add invoked", nil)
			return map[string]any{"result": a + b}, nil
		},
	}))
	require.NoError(t, p.Register(&registry.Method{
		Name:         "fail",
		Kind:         registry.KindUnary,
		ParamSchema:  ipcstream.Schema{},
		ResultSchema: resultSchema(),
		Handler: func(params map[string]any, ctx *registry.RequestContext) (map[string]any, error) {
			return nil, vgierr.NewHandler("ValueError", "always fails")
		},
	}))
	return p
}

func buildRequest(t *testing.T, schema ipcstream.Schema, params map[string]any, method string, alloc memory.Allocator) []byte {
	t.Helper()
	batch, err := wire.BuildRequestBatch(schema, params, method, "req-1", alloc)
	require.NoError(t, err)
	defer batch.Release()

	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, alloc)
	require.NoError(t, sw.WriteBatch(batch))
	require.NoError(t, sw.Close())
	return buf.Bytes()
}

func readResponse(t *testing.T, data []byte, alloc memory.Allocator) []*ipcstream.Batch {
	t.Helper()
	sr := ipcstream.NewStreamReader(bytes.NewReader(data), alloc)
	var batches []*ipcstream.Batch
	for {
		b, err := sr.ReadBatch()
		if err != nil {
			break
		}
		batches = append(batches, b)
	}
	return batches
}

func TestDispatchUnarySuccess(t *testing.T) {
	alloc := memory.NewGoAllocator()
	d := NewDispatcher(addProtocol(t), "srv-1", alloc, zap.NewNop())

	reqBytes := buildRequest(t, addSchema(), map[string]any{"a": 2.0, "b": 3.0}, "add", alloc)

	var out bytes.Buffer
	require.NoError(t, d.Dispatch(bytes.NewReader(reqBytes), &out))

	batches := readResponse(t, out.Bytes(), alloc)
	require.Len(t, batches, 2) // one log batch, then the result batch
	assert.Equal(t, 0, batches[0].RowCount())
	row, err := batches[1].Row(0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, row[0])
}

func TestDispatchUnaryHandlerError(t *testing.T) {
	alloc := memory.NewGoAllocator()
	d := NewDispatcher(addProtocol(t), "srv-1", alloc, zap.NewNop())

	reqBytes := buildRequest(t, ipcstream.Schema{}, map[string]any{}, "fail", alloc)

	var out bytes.Buffer
	require.NoError(t, d.Dispatch(bytes.NewReader(reqBytes), &out))

	batches := readResponse(t, out.Bytes(), alloc)
	require.Len(t, batches, 1)
	assert.Equal(t, "ValueError: always fails", batches[0].Metadata["log_message"])
}

func TestDispatchUnaryUnknownMethod(t *testing.T) {
	alloc := memory.NewGoAllocator()
	d := NewDispatcher(addProtocol(t), "srv-1", alloc, zap.NewNop())

	reqBytes := buildRequest(t, ipcstream.Schema{}, map[string]any{}, "does_not_exist", alloc)

	var out bytes.Buffer
	require.NoError(t, d.Dispatch(bytes.NewReader(reqBytes), &out))

	batches := readResponse(t, out.Bytes(), alloc)
	require.Len(t, batches, 1)
	assert.Equal(t, 0, batches[0].RowCount())
}

func TestDispatchUnaryDescribe(t *testing.T) {
	alloc := memory.NewGoAllocator()
	d := NewDispatcher(addProtocol(t), "srv-1", alloc, zap.NewNop())

	reqBytes := buildRequest(t, ipcstream.Schema{}, map[string]any{}, "__describe__", alloc)

	var out bytes.Buffer
	require.NoError(t, d.Dispatch(bytes.NewReader(reqBytes), &out))

	batches := readResponse(t, out.Bytes(), alloc)
	require.Len(t, batches, 1)
	assert.Greater(t, batches[0].RowCount(), 0)
}
