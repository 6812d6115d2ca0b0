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
	"fmt"
	"math/big"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/query-farm/vgi-rpc-go/client"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// inferSchema infers a Schema from a row of concrete Go values: one
// field per key, typed from that key's concrete non-null sample value.
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

// buildRequestBatch builds a request batch for method, optionally
// carrying extraMeta (used to attach a continuation token for
// /{method}/exchange requests).
func buildRequestBatch(alloc memory.Allocator, method string, params map[string]any, extraMeta map[string]string) (*ipcstream.Batch, error) {
	schema := inferSchema(params)
	b, err := wire.BuildRequestBatch(schema, params, method, uuid.NewString(), alloc)
	if err != nil {
		return nil, err
	}
	for k, v := range extraMeta {
		b.Metadata[k] = v
	}
	return b, nil
}

func encodeOneBatch(b *ipcstream.Batch, alloc memory.Allocator) ([]byte, error) {
	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, alloc)
	if err := sw.WriteBatch(b); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOneBatch(raw []byte, alloc memory.Allocator) (*ipcstream.Batch, error) {
	sr := ipcstream.NewStreamReader(bytes.NewReader(raw), alloc)
	return sr.ReadBatch()
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
		asStr := func(v any) string {
			s, _ := v.(string)
			return s
		}
		asBytes := func(v any) []byte {
			bs, _ := v.([]byte)
			return bs
		}
		asBool := func(v any) bool {
			bv, _ := v.(bool)
			return bv
		}
		if len(row) != 10 {
			return nil, fmt.Errorf("httpclient: unexpected describe row width %d", len(row))
		}
		out = append(out, client.DescribeRow{
			Name:              asStr(row[0]),
			MethodType:        asStr(row[1]),
			Doc:               asStr(row[2]),
			HasReturn:         asBool(row[3]),
			ParamsSchemaIPC:   asBytes(row[4]),
			ResultSchemaIPC:   asBytes(row[5]),
			ParamTypesJSON:    asStr(row[6]),
			ParamDefaultsJSON: asStr(row[7]),
			HasHeader:         asBool(row[8]),
			HeaderSchemaIPC:   asBytes(row[9]),
		})
	}
	return out, nil
}

func compressBody(body []byte) ([]byte, bool, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, false, err
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), true, nil
}

func decompressBody(body []byte, contentEncoding string) ([]byte, error) {
	if contentEncoding != vgi.ContentEncodingZstd {
		return body, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}
