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

// Package wire implements the request/response batch codec: parsing a
// request batch into a method name and parameters, building result,
// error, and log batches, and classifying an arbitrary incoming batch by
// its metadata.
package wire

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
)

// ParsedRequest is the decoded form of a request batch.
type ParsedRequest struct {
	Method         string
	RequestVersion string
	RequestID      string
	Params         map[string]any
}

// ParseRequest decodes batch — using its own embedded schema — into a
// ParsedRequest. The caller does not need to know the method's declared
// parameter schema up front: the method name itself travels in the
// batch's metadata, so schema lookup necessarily follows parsing.
func ParseRequest(batch *ipcstream.Batch) (*ParsedRequest, error) {
	method := batch.Metadata[vgi.MetaMethod]
	if method == "" {
		return nil, vgierr.NewProtocol("request batch missing \"method\" metadata")
	}
	version, ok := batch.Metadata[vgi.MetaRequestVersion]
	if !ok || version == "" {
		return nil, vgierr.NewVersion("request batch missing \"request_version\" metadata")
	}
	if version != vgi.RequestVersion {
		return nil, vgierr.NewVersion(fmt.Sprintf("unsupported request_version %q, expected %q", version, vgi.RequestVersion))
	}

	schema := batch.Schema
	if rows := batch.RowCount(); schema.Empty() {
		if rows != 0 && rows != 1 {
			return nil, vgierr.NewProtocolf("request batch for empty parameter schema must have 0 or 1 rows, got %d", rows)
		}
	} else if rows != 1 {
		return nil, vgierr.NewProtocolf("request batch row count must be 1, got %d", rows)
	}

	params := map[string]any{}
	if batch.RowCount() > 0 {
		row, err := batch.Row(0)
		if err != nil {
			return nil, vgierr.WrapProtocol("decode request row", err)
		}
		for i, f := range schema.Fields {
			params[f.Name] = row[i]
		}
	}

	return &ParsedRequest{
		Method:         method,
		RequestVersion: version,
		RequestID:      batch.Metadata[vgi.MetaRequestID],
		Params:         params,
	}, nil
}

// ValidateSchema fails with ContractError unless got and want are
// structurally equal — exchange input-schema locking relies on the
// same check.
func ValidateSchema(got, want ipcstream.Schema) error {
	if !got.Equal(want) {
		return vgierr.NewContract("schema does not match the method's declared schema")
	}
	return nil
}

// BuildRequestBatch is the client-side inverse of ParseRequest: it builds
// a 1-row (or 0-row, for an empty schema) request batch from params.
func BuildRequestBatch(schema ipcstream.Schema, params map[string]any, method, requestID string, alloc memory.Allocator) (*ipcstream.Batch, error) {
	meta := map[string]string{
		vgi.MetaMethod:         method,
		vgi.MetaRequestVersion: vgi.RequestVersion,
	}
	if requestID != "" {
		meta[vgi.MetaRequestID] = requestID
	}
	if schema.Empty() {
		return ipcstream.NewEmptyBatch(alloc, schema, meta), nil
	}
	rb := ipcstream.NewRecordBuilder(alloc, schema)
	defer rb.Release()
	row := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		v, ok := params[f.Name]
		if !ok {
			return nil, vgierr.NewContractf("missing parameter %q", f.Name)
		}
		row[i] = v
	}
	if err := rb.AppendRow(row); err != nil {
		return nil, vgierr.WrapProtocol("build request row", err)
	}
	return rb.NewBatch(meta), nil
}

// BuildResultBatch builds a 1-row (or 0-row, for a void result schema)
// result batch, failing with ContractError if a required field is absent
// from values.
func BuildResultBatch(schema ipcstream.Schema, values map[string]any, serverID, requestID string, alloc memory.Allocator) (*ipcstream.Batch, error) {
	meta := map[string]string{vgi.MetaServerID: serverID}
	if requestID != "" {
		meta[vgi.MetaRequestID] = requestID
	}
	if schema.Empty() {
		return ipcstream.NewEmptyBatch(alloc, schema, meta), nil
	}
	rb := ipcstream.NewRecordBuilder(alloc, schema)
	defer rb.Release()
	row := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		v, ok := values[f.Name]
		if !ok {
			if f.Nullable {
				row[i] = nil
				continue
			}
			return nil, vgierr.NewContractf("handler result missing required field %q (have %v)", f.Name, mapKeys(values))
		}
		row[i] = v
	}
	if err := rb.AppendRow(row); err != nil {
		return nil, vgierr.WrapProtocol("build result row", err)
	}
	return rb.NewBatch(meta), nil
}

func mapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// errorExtra is the JSON shape of the log_extra field on an error batch.
type errorExtra struct {
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
	Traceback        string `json:"traceback"`
}

// BuildErrorBatch builds a 0-row EXCEPTION batch shaped to schema.
func BuildErrorBatch(schema ipcstream.Schema, errKind, message, traceback, serverID, requestID string, alloc memory.Allocator) *ipcstream.Batch {
	extra, _ := json.Marshal(errorExtra{
		ExceptionType:    errKind,
		ExceptionMessage: message,
		Traceback:        traceback,
	})
	meta := map[string]string{
		vgi.MetaLogLevel:   string(vgi.LogException),
		vgi.MetaLogMessage: fmt.Sprintf("%s: %s", errKind, message),
		vgi.MetaLogExtra:   string(extra),
		vgi.MetaServerID:   serverID,
	}
	if requestID != "" {
		meta[vgi.MetaRequestID] = requestID
	}
	return ipcstream.NewEmptyBatch(alloc, schema, meta)
}

// BuildLogBatch builds a 0-row out-of-band log batch shaped to schema.
func BuildLogBatch(schema ipcstream.Schema, level vgi.LogLevel, message string, extra map[string]any, serverID, requestID string, alloc memory.Allocator) (*ipcstream.Batch, error) {
	meta := map[string]string{
		vgi.MetaLogLevel:   string(level),
		vgi.MetaLogMessage: message,
		vgi.MetaServerID:   serverID,
	}
	if requestID != "" {
		meta[vgi.MetaRequestID] = requestID
	}
	if len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err != nil {
			return nil, vgierr.WrapProtocol("marshal log extra", err)
		}
		meta[vgi.MetaLogExtra] = string(b)
	}
	return ipcstream.NewEmptyBatch(alloc, schema, meta), nil
}

// RemoteError is the client-side reconstruction of a server error, built
// from an EXCEPTION batch's log_extra.
type RemoteError struct {
	ExceptionType    string
	ExceptionMessage string
	Traceback        string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.ExceptionType, e.ExceptionMessage)
}

// Classification is the result of classifying an arbitrary response
// batch into one of data/log/error/empty.
type Classification int

const (
	ClassData Classification = iota
	ClassLog
	ClassError
	ClassContinuation
	ClassDataAndContinuation
)

// Classify inspects batch's metadata and row count.
func Classify(batch *ipcstream.Batch) Classification {
	_, hasState := batch.Metadata[vgi.MetaStreamState]
	level := batch.Metadata[vgi.MetaLogLevel]
	rows := batch.RowCount()

	if level == string(vgi.LogException) && rows == 0 {
		return ClassError
	}
	if level != "" && rows == 0 {
		return ClassLog
	}
	if hasState && rows == 0 {
		return ClassContinuation
	}
	if hasState && rows > 0 {
		return ClassDataAndContinuation
	}
	return ClassData
}

// DispatchLogOrError is the pure client-side helper that classifies and
// consumes out-of-band batches: it returns (remoteErr, consumed). If the
// batch carries an EXCEPTION it returns the reconstructed RemoteError. If
// it carries any other log_level it invokes onLog and reports
// consumed=true. Otherwise it reports consumed=false ("not a log").
func DispatchLogOrError(batch *ipcstream.Batch, onLog func(level vgi.LogLevel, message string, extra map[string]any)) (*RemoteError, bool, error) {
	level, ok := batch.Metadata[vgi.MetaLogLevel]
	if !ok {
		return nil, false, nil
	}
	var extra map[string]any
	if raw, ok := batch.Metadata[vgi.MetaLogExtra]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, false, vgierr.WrapProtocol("unmarshal log_extra", err)
		}
	}
	if level == string(vgi.LogException) {
		var ee errorExtra
		if raw, ok := batch.Metadata[vgi.MetaLogExtra]; ok {
			_ = json.Unmarshal([]byte(raw), &ee)
		}
		return &RemoteError{ExceptionType: ee.ExceptionType, ExceptionMessage: ee.ExceptionMessage, Traceback: ee.Traceback}, true, nil
	}
	if onLog != nil {
		onLog(vgi.LogLevel(level), batch.Metadata[vgi.MetaLogMessage], extra)
	}
	return nil, true, nil
}

// CoerceInt widens/narrows v, which must be one of Go's integer types or
// a *big.Int, into the schema-declared width bits (8/16/32/64), signed.
// Values outside bits are preserved verbatim as *big.Int, keeping values
// outside the safe-integer range intact rather than truncating them.
func CoerceInt(v any, bits int) (any, error) {
	switch n := v.(type) {
	case *big.Int:
		if n.IsInt64() {
			return WidenInt64(n.Int64(), bits)
		}
		return n, nil
	default:
		i64, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return WidenInt64(i64, bits)
	}
}

// WidenInt64 narrows i to the requested bit width without a truncation
// check — the caller's schema already constrains the domain.
func WidenInt64(i int64, bits int) (any, error) {
	switch bits {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	case 64:
		return i, nil
	default:
		return nil, fmt.Errorf("wire: unsupported integer width %d", bits)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("wire: cannot coerce %T to integer", v)
	}
}
