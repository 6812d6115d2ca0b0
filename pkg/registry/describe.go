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

package registry

import (
	"encoding/json"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
)

// describeSchema is the fixed schema of the describe batch.
var describeSchema = ipcstream.Schema{Fields: []ipcstream.Field{
	{Name: "name", Kind: ipcstream.KindString, Nullable: false},
	{Name: "method_type", Kind: ipcstream.KindString, Nullable: false},
	{Name: "doc", Kind: ipcstream.KindString, Nullable: true},
	{Name: "has_return", Kind: ipcstream.KindBool, Nullable: false},
	{Name: "params_schema_ipc", Kind: ipcstream.KindBinary, Nullable: false},
	{Name: "result_schema_ipc", Kind: ipcstream.KindBinary, Nullable: false},
	{Name: "param_types_json", Kind: ipcstream.KindString, Nullable: true},
	{Name: "param_defaults_json", Kind: ipcstream.KindString, Nullable: true},
	{Name: "has_header", Kind: ipcstream.KindBool, Nullable: false},
	{Name: "header_schema_ipc", Kind: ipcstream.KindBinary, Nullable: true},
}}

// DescribeSchema returns the fixed describe batch schema.
func DescribeSchema() ipcstream.Schema { return describeSchema }

// BuildDescribeBatch renders protocol's methods, sorted lexicographically
// by name, into the single describe record batch.
func BuildDescribeBatch(protocol *Protocol, serverID string, alloc memory.Allocator) (*ipcstream.Batch, error) {
	rb := ipcstream.NewRecordBuilder(alloc, describeSchema)
	defer rb.Release()

	for _, name := range protocol.Names() {
		m, _ := protocol.Lookup(name)

		resultOrOutputSchema := m.ResultSchema
		if m.Kind != KindUnary {
			resultOrOutputSchema = m.OutputSchema
		}
		paramsIPC, err := ipcstream.EncodeSchemaOnly(m.ParamSchema)
		if err != nil {
			return nil, vgierr.WrapProtocol("encode params schema", err)
		}
		resultIPC, err := ipcstream.EncodeSchemaOnly(resultOrOutputSchema)
		if err != nil {
			return nil, vgierr.WrapProtocol("encode result/output schema", err)
		}

		var paramTypesJSON, paramDefaultsJSON any
		if len(m.ParamTypes) > 0 {
			b, err := json.Marshal(m.ParamTypes)
			if err != nil {
				return nil, vgierr.WrapProtocol("marshal param_types", err)
			}
			paramTypesJSON = string(b)
		}
		if len(m.Defaults) > 0 {
			b, err := json.Marshal(m.Defaults)
			if err != nil {
				return nil, vgierr.WrapProtocol("marshal param_defaults", err)
			}
			paramDefaultsJSON = string(b)
		}

		var headerIPC any
		if m.HasHeader {
			b, err := ipcstream.EncodeSchemaOnly(m.HeaderSchema)
			if err != nil {
				return nil, vgierr.WrapProtocol("encode header schema", err)
			}
			headerIPC = b
		}

		var doc any
		if m.Doc != "" {
			doc = m.Doc
		}

		row := []any{
			m.Name,
			m.Kind.String(),
			doc,
			m.HasReturn(),
			paramsIPC,
			resultIPC,
			paramTypesJSON,
			paramDefaultsJSON,
			m.HasHeader,
			headerIPC,
		}
		if err := rb.AppendRow(row); err != nil {
			return nil, vgierr.WrapProtocol("build describe row", err)
		}
	}

	meta := map[string]string{
		vgi.MetaProtocolName:    protocol.Name,
		vgi.MetaRequestVersion:  vgi.RequestVersion,
		vgi.MetaDescribeVersion: vgi.DescribeVersion,
		vgi.MetaServerID:        serverID,
	}
	return rb.NewBatch(meta), nil
}
