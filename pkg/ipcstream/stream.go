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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v12/arrow/ipc"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

// An IPC stream is one schema message, zero or more record batches, and
// an end-of-stream marker. This façade represents each
// logical batch on the wire as its own self-contained Arrow IPC stream
// (an Arrow schema message carrying the batch's metadata map as Arrow
// schema-level metadata, one Arrow record-batch message, and an Arrow
// end-of-stream marker), length-prefixed so a reader knows where one
// batch ends and the next begins. The outer stream itself ends with a
// zero-length sentinel. This keeps every byte that actually describes or
// carries data genuinely produced and parsed by arrow/ipc — the only
// framing this package owns is the 4-byte length prefix between batches
// and the zero-length terminator.
const lengthPrefixSize = 4

// StreamWriter writes a sequence of Batches to w as one outgoing IPC
// stream, followed by an end-of-stream marker on Close.
type StreamWriter struct {
	w     io.Writer
	alloc memory.Allocator
	err   error
}

// NewStreamWriter returns a writer that emits batches to w.
func NewStreamWriter(w io.Writer, alloc memory.Allocator) *StreamWriter {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	return &StreamWriter{w: w, alloc: alloc}
}

// WriteBatch encodes b as one mini Arrow IPC stream and emits it,
// length-prefixed, onto the outgoing stream.
func (sw *StreamWriter) WriteBatch(b *Batch) error {
	if sw.err != nil {
		return sw.err
	}
	var buf bytes.Buffer
	arrowSchema := b.Schema.arrowSchema(b.Metadata)
	iw := ipc.NewWriter(&buf, ipc.WithAllocator(sw.alloc), ipc.WithSchema(arrowSchema))
	rec := b.record
	if rec == nil {
		rec = NewEmptyBatch(sw.alloc, b.Schema, nil).record
		defer rec.Release()
	}
	if err := iw.Write(rec); err != nil {
		sw.err = err
		return fmt.Errorf("ipcstream: write batch: %w", err)
	}
	if err := iw.Close(); err != nil {
		sw.err = err
		return fmt.Errorf("ipcstream: close batch writer: %w", err)
	}
	if err := writeFrame(sw.w, buf.Bytes()); err != nil {
		sw.err = err
		return err
	}
	return nil
}

// Close writes the outer end-of-stream sentinel. It does not close the
// underlying io.Writer.
func (sw *StreamWriter) Close() error {
	if sw.err != nil {
		return sw.err
	}
	return writeFrame(sw.w, nil)
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipcstream: write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipcstream: write frame payload: %w", err)
	}
	return nil
}

// StreamReader reads a sequence of Batches from an incoming IPC stream.
type StreamReader struct {
	r     io.Reader
	alloc memory.Allocator
}

// NewStreamReader returns a reader over r.
func NewStreamReader(r io.Reader, alloc memory.Allocator) *StreamReader {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	return &StreamReader{r: r, alloc: alloc}
}

// ReadBatch returns the next Batch, or io.EOF once the end-of-stream
// sentinel has been read.
func (sr *StreamReader) ReadBatch() (*Batch, error) {
	payload, err := readFrame(sr.r)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, io.EOF
	}
	ir, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(sr.alloc))
	if err != nil {
		return nil, fmt.Errorf("ipcstream: open batch reader: %w", err)
	}
	defer ir.Release()

	schema, err := schemaFromArrow(ir.Schema())
	if err != nil {
		return nil, err
	}
	metadata := metadataFromArrow(ir.Schema().Metadata())

	if !ir.Next() {
		if err := ir.Err(); err != nil && err != io.EOF {
			return nil, fmt.Errorf("ipcstream: read record: %w", err)
		}
		return &Batch{Schema: schema, Metadata: metadata, record: nil}, nil
	}
	rec := ir.Record()
	rec.Retain()
	return &Batch{Schema: schema, Metadata: metadata, record: rec}, nil
}

// Drain reads and discards every remaining batch until end-of-stream, or
// until the underlying reader returns a non-EOF error. Used by the pipe
// dispatcher's drain discipline after an early terminator.
func (sr *StreamReader) Drain() error {
	for {
		b, err := sr.ReadBatch()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		b.Release()
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipcstream: read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeSchemaOnly returns a self-contained Arrow IPC stream whose only
// content is the schema message and the end-of-stream marker — no length
// prefix, no batches. Used for the describe batch's embedded
// *_schema_ipc columns, which must deserialize with any standard Arrow
// IPC reader independent of this package's own framing.
func EncodeSchemaOnly(schema Schema) ([]byte, error) {
	var buf bytes.Buffer
	iw := ipc.NewWriter(&buf, ipc.WithSchema(schema.arrowSchema(nil)))
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("ipcstream: encode schema-only stream: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSchemaOnly parses bytes produced by EncodeSchemaOnly (or any
// standard Arrow IPC stream) and returns its schema.
func DecodeSchemaOnly(data []byte) (Schema, error) {
	ir, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return Schema{}, fmt.Errorf("ipcstream: decode schema-only stream: %w", err)
	}
	defer ir.Release()
	return schemaFromArrow(ir.Schema())
}
