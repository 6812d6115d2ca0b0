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
	"math/big"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
)

func TestKindOfInfersEveryScalarKind(t *testing.T) {
	k, nullable := kindOf(nil)
	assert.Equal(t, ipcstream.KindString, k)
	assert.True(t, nullable)

	k, _ = kindOf(true)
	assert.Equal(t, ipcstream.KindBool, k)

	for _, v := range []any{int(1), int8(1), int16(1), int32(1), int64(1), uint(1), uint8(1), uint16(1), uint32(1), uint64(1), big.NewInt(1)} {
		k, nullable := kindOf(v)
		assert.Equal(t, ipcstream.KindInt64, k, "%T", v)
		assert.False(t, nullable)
	}

	k, _ = kindOf(float32(1.5))
	assert.Equal(t, ipcstream.KindFloat64, k)
	k, _ = kindOf(1.5)
	assert.Equal(t, ipcstream.KindFloat64, k)

	k, _ = kindOf([]byte("x"))
	assert.Equal(t, ipcstream.KindBinary, k)

	k, _ = kindOf("hello")
	assert.Equal(t, ipcstream.KindString, k)
}

func TestInferSchemaBuildsOneFieldPerParam(t *testing.T) {
	schema := inferSchema(map[string]any{"a": int32(1), "b": "x"})
	assert.Len(t, schema.Fields, 2)
	assert.Equal(t, ipcstream.KindInt64, schema.Fields[schema.IndexOf("a")].Kind)
	assert.Equal(t, ipcstream.KindString, schema.Fields[schema.IndexOf("b")].Kind)
}

func TestBuildRequestBatchStampsMethodAndRequestID(t *testing.T) {
	alloc := memory.NewGoAllocator()
	batch, err := buildRequestBatch(alloc, "add", map[string]any{"a": int64(1), "b": int64(2)})
	require.NoError(t, err)
	defer batch.Release()
	assert.Equal(t, "add", batch.Metadata["method"])
	assert.NotEmpty(t, batch.Metadata["request_id"])
}

func TestBatchToMapEmptyBatch(t *testing.T) {
	alloc := memory.NewGoAllocator()
	schema := ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}}
	batch := ipcstream.NewEmptyBatch(alloc, schema, nil)
	defer batch.Release()

	m, err := batchToMap(batch)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestBatchToMapAndBatchRows(t *testing.T) {
	alloc := memory.NewGoAllocator()
	schema := ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}}
	rb := ipcstream.NewRecordBuilder(alloc, schema)
	require.NoError(t, rb.AppendRow([]any{int32(9)}))
	batch := rb.NewBatch(nil)
	defer batch.Release()
	rb.Release()

	m, err := batchToMap(batch)
	require.NoError(t, err)
	assert.Equal(t, int32(9), m["n"])

	rows, err := batchRows(batch)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(9), rows[0]["n"])
}
