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

package ipcstream

import (
	"fmt"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

// Batch is a rectangular, immutable-once-built piece of columnar data
// shaped to a Schema, with a row count, a possibly-empty string-keyed
// metadata map, and a validity bitmap per nullable field.
type Batch struct {
	Schema   Schema
	Metadata map[string]string
	record   arrow.Record
}

// RowCount returns the number of rows in the batch.
func (b *Batch) RowCount() int {
	if b.record == nil {
		return 0
	}
	return int(b.record.NumRows())
}

// Release frees the underlying Arrow buffers. Safe to call more than
// once; safe to call on a zero-value Batch.
func (b *Batch) Release() {
	if b.record != nil {
		b.record.Release()
		b.record = nil
	}
}

// Row decodes row index r into a slice of Go values, one per field, in
// schema order. A null value decodes to nil. Supported Go types per Kind:
// bool, int8/16/32/64, uint8/16/32/64, float32/64, string, []byte.
func (b *Batch) Row(r int) ([]any, error) {
	if b.record == nil {
		return nil, fmt.Errorf("ipcstream: batch has no record")
	}
	if r < 0 || r >= int(b.record.NumRows()) {
		return nil, fmt.Errorf("ipcstream: row %d out of range [0,%d)", r, b.record.NumRows())
	}
	out := make([]any, len(b.Schema.Fields))
	for i := range b.Schema.Fields {
		v, err := columnValue(b.record.Column(i), r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Column returns field i's decoded values for every row.
func (b *Batch) Column(i int) ([]any, error) {
	if b.record == nil {
		return nil, nil
	}
	n := int(b.record.NumRows())
	out := make([]any, n)
	col := b.record.Column(i)
	for r := 0; r < n; r++ {
		v, err := columnValue(col, r)
		if err != nil {
			return nil, err
		}
		out[r] = v
	}
	return out, nil
}

func columnValue(col arrow.Array, r int) (any, error) {
	if col.IsNull(r) {
		return nil, nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(r), nil
	case *array.Int8:
		return a.Value(r), nil
	case *array.Int16:
		return a.Value(r), nil
	case *array.Int32:
		return a.Value(r), nil
	case *array.Int64:
		return a.Value(r), nil
	case *array.Uint8:
		return a.Value(r), nil
	case *array.Uint16:
		return a.Value(r), nil
	case *array.Uint32:
		return a.Value(r), nil
	case *array.Uint64:
		return a.Value(r), nil
	case *array.Float32:
		return a.Value(r), nil
	case *array.Float64:
		return a.Value(r), nil
	case *array.String:
		return a.Value(r), nil
	case *array.Binary:
		v := a.Value(r)
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, nil
	default:
		return nil, fmt.Errorf("ipcstream: unsupported column type %T", col)
	}
}

// RecordBuilder builds one Batch, row by row, for a fixed Schema.
type RecordBuilder struct {
	schema Schema
	b      *array.RecordBuilder
}

// NewRecordBuilder returns a builder for schema using alloc for all
// underlying buffer allocations.
func NewRecordBuilder(alloc memory.Allocator, schema Schema) *RecordBuilder {
	as := schema.arrowSchema(nil)
	return &RecordBuilder{schema: schema, b: array.NewRecordBuilder(alloc, as)}
}

// AppendRow appends one row. values must have exactly len(schema.Fields)
// entries in schema order; a nil entry appends a null (only legal for
// nullable fields).
func (rb *RecordBuilder) AppendRow(values []any) error {
	if len(values) != len(rb.schema.Fields) {
		return fmt.Errorf("ipcstream: expected %d values, got %d", len(rb.schema.Fields), len(values))
	}
	for i, f := range rb.schema.Fields {
		if err := appendValue(rb.b.Field(i), f, values[i]); err != nil {
			return fmt.Errorf("ipcstream: field %q: %w", f.Name, err)
		}
	}
	return nil
}

func appendValue(fb array.Builder, f Field, v any) error {
	if v == nil {
		if !f.Nullable {
			return fmt.Errorf("null value for non-nullable field")
		}
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(val)
	case *array.Int8Builder:
		val, err := asInt64(v)
		if err != nil {
			return err
		}
		b.Append(int8(val))
	case *array.Int16Builder:
		val, err := asInt64(v)
		if err != nil {
			return err
		}
		b.Append(int16(val))
	case *array.Int32Builder:
		val, err := asInt64(v)
		if err != nil {
			return err
		}
		b.Append(int32(val))
	case *array.Int64Builder:
		val, err := asInt64(v)
		if err != nil {
			return err
		}
		b.Append(val)
	case *array.Uint8Builder:
		val, err := asUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint8(val))
	case *array.Uint16Builder:
		val, err := asUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint16(val))
	case *array.Uint32Builder:
		val, err := asUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint32(val))
	case *array.Uint64Builder:
		val, err := asUint64(v)
		if err != nil {
			return err
		}
		b.Append(val)
	case *array.Float32Builder:
		val, err := asFloat64(v)
		if err != nil {
			return err
		}
		b.Append(float32(val))
	case *array.Float64Builder:
		val, err := asFloat64(v)
		if err != nil {
			return err
		}
		b.Append(val)
	case *array.StringBuilder:
		val, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.Append(val)
	case *array.BinaryBuilder:
		val, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", v)
		}
		b.Append(val)
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

// NewBatch finalizes the builder into a Batch carrying the given
// metadata. The builder is reset and may be reused afterward.
func (rb *RecordBuilder) NewBatch(metadata map[string]string) *Batch {
	rec := rb.b.NewRecord()
	return &Batch{Schema: rb.schema, Metadata: metadata, record: rec}
}

// Release frees the builder's buffers.
func (rb *RecordBuilder) Release() {
	rb.b.Release()
}

// NewEmptyBatch returns a 0-row batch shaped to schema, used for log and
// error batches and producer tick batches.
func NewEmptyBatch(alloc memory.Allocator, schema Schema, metadata map[string]string) *Batch {
	rb := NewRecordBuilder(alloc, schema)
	defer rb.Release()
	return rb.NewBatch(metadata)
}
