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

// Package ipcstream is the thin façade over github.com/apache/arrow/go/v12:
// it exposes "streams" (a schema, zero or more record batches, and an
// end-of-stream marker) and "batches" (a table shaped to a schema, with
// row count, columnar payload, and a string-keyed metadata map) without
// leaking Arrow types into the rest of this module. Everything above
// this package (wire codec, dispatchers, clients) talks in terms of
// Schema, Field, Kind, and Batch.
package ipcstream

import (
	"fmt"

	"github.com/apache/arrow/go/v12/arrow"
)

// Kind is a data-kind tag for one Field, independent of the external IPC
// library's own type system. It covers every scalar type the wire codec
// needs to move RPC parameter and result values.
type Kind int

const (
	KindBool Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// arrowType returns the Arrow data type backing this Kind.
func (k Kind) arrowType() arrow.DataType {
	switch k {
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindInt8:
		return arrow.PrimitiveTypes.Int8
	case KindInt16:
		return arrow.PrimitiveTypes.Int16
	case KindInt32:
		return arrow.PrimitiveTypes.Int32
	case KindInt64:
		return arrow.PrimitiveTypes.Int64
	case KindUint8:
		return arrow.PrimitiveTypes.Uint8
	case KindUint16:
		return arrow.PrimitiveTypes.Uint16
	case KindUint32:
		return arrow.PrimitiveTypes.Uint32
	case KindUint64:
		return arrow.PrimitiveTypes.Uint64
	case KindFloat32:
		return arrow.PrimitiveTypes.Float32
	case KindFloat64:
		return arrow.PrimitiveTypes.Float64
	case KindString:
		return arrow.BinaryTypes.String
	case KindBinary:
		return arrow.BinaryTypes.Binary
	default:
		panic(fmt.Sprintf("ipcstream: unknown kind %d", int(k)))
	}
}

func kindFromArrow(dt arrow.DataType) (Kind, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return KindBool, nil
	case arrow.INT8:
		return KindInt8, nil
	case arrow.INT16:
		return KindInt16, nil
	case arrow.INT32:
		return KindInt32, nil
	case arrow.INT64:
		return KindInt64, nil
	case arrow.UINT8:
		return KindUint8, nil
	case arrow.UINT16:
		return KindUint16, nil
	case arrow.UINT32:
		return KindUint32, nil
	case arrow.UINT64:
		return KindUint64, nil
	case arrow.FLOAT32:
		return KindFloat32, nil
	case arrow.FLOAT64:
		return KindFloat64, nil
	case arrow.STRING:
		return KindString, nil
	case arrow.BINARY:
		return KindBinary, nil
	default:
		return 0, fmt.Errorf("ipcstream: unsupported arrow type %s", dt.Name())
	}
}

// Field is one column descriptor: a name, a data kind, and whether nulls
// are permitted in that column.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema is an ordered sequence of Fields. Schemas are pure values, free
// to copy; equality is structural on name/kind/nullability — schema-level
// metadata (used internally to carry a Batch's metadata map across the
// wire, see stream.go) is deliberately excluded from equality.
type Schema struct {
	Fields []Field
}

// Empty reports whether the schema declares zero fields — the marker for
// a void unary result or a producer's empty input schema.
func (s Schema) Empty() bool { return len(s.Fields) == 0 }

// Equal reports structural equality: same field count, names, kinds, and
// nullability, in order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		a, b := s.Fields[i], o.Fields[i]
		if a.Name != b.Name || a.Kind != b.Kind || a.Nullable != b.Nullable {
			return false
		}
	}
	return true
}

// IndexOf returns the column index of name, or -1.
func (s Schema) IndexOf(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) arrowSchema(metadata map[string]string) *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: f.Kind.arrowType(), Nullable: f.Nullable}
	}
	var md arrow.Metadata
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		vals := make([]string, 0, len(metadata))
		for k, v := range metadata {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		md = arrow.NewMetadata(keys, vals)
		return arrow.NewSchema(fields, &md)
	}
	return arrow.NewSchema(fields, nil)
}

func schemaFromArrow(as *arrow.Schema) (Schema, error) {
	fields := make([]Field, as.NumFields())
	for i, f := range as.Fields() {
		k, err := kindFromArrow(f.Type)
		if err != nil {
			return Schema{}, err
		}
		fields[i] = Field{Name: f.Name, Kind: k, Nullable: f.Nullable}
	}
	return Schema{Fields: fields}, nil
}

func metadataFromArrow(md arrow.Metadata) map[string]string {
	if md.Len() == 0 {
		return nil
	}
	out := make(map[string]string, md.Len())
	keys := md.Keys()
	vals := md.Values()
	for i := range keys {
		out[keys[i]] = vals[i]
	}
	return out
}
