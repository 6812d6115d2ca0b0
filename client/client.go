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

// Package client defines the shared client surface that both
// client/pipeclient and client/httpclient implement: call, stream,
// describe, and close, plus the Session object returned by stream.
package client

// RpcClient drives a protocol over one transport.
type RpcClient interface {
	// Call invokes a Unary method and returns its result fields.
	Call(method string, params map[string]any) (map[string]any, error)

	// Stream opens a Session driving a Producer or Exchange method.
	Stream(method string, params map[string]any) (Session, error)

	// Describe returns the decoded describe rows, one per registered method.
	Describe() ([]DescribeRow, error)

	// Close ends use of the client. Neither implementation holds anything
	// between calls, so both return nil; the pipe's single-flight lock is
	// released by each call and by Session.Close.
	Close() error
}

// DescribeRow is one decoded row of the describe batch.
type DescribeRow struct {
	Name              string
	MethodType        string
	Doc               string
	HasReturn         bool
	ParamsSchemaIPC   []byte
	ResultSchemaIPC   []byte
	ParamTypesJSON    string
	ParamDefaultsJSON string
	HasHeader         bool
	HeaderSchemaIPC   []byte
}

// LogEntry is an out-of-band log observed while iterating a Session.
type LogEntry struct {
	Level   string
	Message string
	Extra   map[string]any
}

// Session is the per-stream client object: it owns the pending iterator
// position, the cached input schema for schema-locking across exchange
// rounds, and (on pipe) a reference to the transport's single-flight
// lock.
type Session interface {
	// Header returns the method's 1-row header batch fields, or nil if
	// the method declares no header schema.
	Header() (map[string]any, error)

	// Exchange submits one round of input rows (one exchange round, or
	// one producer tick when rows is empty) and returns the data rows
	// the server emitted for that round.
	Exchange(rows []map[string]any) ([]map[string]any, error)

	// Next advances a producer/exchange iteration by one round,
	// returning the emitted data rows, or ok=false once the stream ends.
	Next() (rows []map[string]any, ok bool, err error)

	// Logs returns and clears log entries observed since the last call.
	Logs() []LogEntry

	// Close releases the session's resources, draining any outstanding
	// server output on the pipe transport.
	Close() error
}
