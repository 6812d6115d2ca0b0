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
	"fmt"
	"math/big"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/google/uuid"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// inferSchema infers a Schema from a row of concrete Go values, the
// same way the HTTP session infers an input schema from the first row's
// keys and sample values. A nil-valued field defaults to string.
func inferSchema(params map[string]any) ipcstream.Schema {
	fields := make([]ipcstream.Field, 0, len(params))
	for name, v := range params {
		k, nullable := kindOf(v)
		fields = append(fields, ipcstream.Field{Name: name, Kind: k, Nullable: nullable})
	}
	return ipcstream.Schema{Fields: fields}
}

func kindOf(v any) (ipcstream.Kind, bool) {
	switch v.(type) {
	case nil:
		return ipcstream.KindString, true
	case bool:
		return ipcstream.KindBool, false
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int:
		return ipcstream.KindInt64, false
	case float32, float64:
		return ipcstream.KindFloat64, false
	case []byte:
		return ipcstream.KindBinary, false
	default:
		return ipcstream.KindString, false
	}
}

func buildRequestBatch(alloc memory.Allocator, method string, params map[string]any) (*ipcstream.Batch, error) {
	schema := inferSchema(params)
	return wire.BuildRequestBatch(schema, params, method, uuid.NewString(), alloc)
}

func batchToMap(b *ipcstream.Batch) (map[string]any, error) {
	if b.RowCount() == 0 {
		return map[string]any{}, nil
	}
	row, err := b.Row(0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(b.Schema.Fields))
	for i, f := range b.Schema.Fields {
		out[f.Name] = row[i]
	}
	return out, nil
}

func batchRows(b *ipcstream.Batch) ([]map[string]any, error) {
	n := b.RowCount()
	out := make([]map[string]any, n)
	for r := 0; r < n; r++ {
		row, err := b.Row(r)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(b.Schema.Fields))
		for i, f := range b.Schema.Fields {
			m[f.Name] = row[i]
		}
		out[r] = m
	}
	return out, nil
}

func decodeDescribeRows(b *ipcstream.Batch) ([]client.DescribeRow, error) {
	n := b.RowCount()
	out := make([]client.DescribeRow, 0, n)
	for r := 0; r < n; r++ {
		row, err := b.Row(r)
		if err != nil {
			return nil, err
		}
		get := func(i int) any { return row[i] }
		asStr := func(v any) string {
			if s, ok := v.(string); ok {
				return s
			}
			return ""
		}
		asBytes := func(v any) []byte {
			if bs, ok := v.([]byte); ok {
				return bs
			}
			return nil
		}
		asBool := func(v any) bool {
			bv, _ := v.(bool)
			return bv
		}
		if len(row) != 10 {
			return nil, fmt.Errorf("pipeclient: unexpected describe row width %d", len(row))
		}
		out = append(out, client.DescribeRow{
			Name:              asStr(get(0)),
			MethodType:        asStr(get(1)),
			Doc:               asStr(get(2)),
			HasReturn:         asBool(get(3)),
			ParamsSchemaIPC:   asBytes(get(4)),
			ResultSchemaIPC:   asBytes(get(5)),
			ParamTypesJSON:    asStr(get(6)),
			ParamDefaultsJSON: asStr(get(7)),
			HasHeader:         asBool(get(8)),
			HeaderSchemaIPC:   asBytes(get(9)),
		})
	}
	return out, nil
}
