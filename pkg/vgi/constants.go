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

// Package vgi holds the wire-stable metadata keys, version strings, and
// other constants shared by every other package in this module. Nothing
// here depends on the IPC library, the wire codec, or any transport.
package vgi

// Metadata keys carried on IPC batch metadata maps. These are part of the
// wire contract and must never change spelling.
const (
	MetaMethod          = "method"
	MetaRequestVersion   = "request_version"
	MetaServerID         = "server_id"
	MetaRequestID        = "request_id"
	MetaLogLevel         = "log_level"
	MetaLogMessage       = "log_message"
	MetaLogExtra         = "log_extra"
	MetaProtocolName     = "protocol_name"
	MetaDescribeVersion  = "describe_version"
	MetaStreamState      = "stream_state"

	// MetaPipeMore is pipe-transport-only: stamped with value "1" on the
	// last batch of a producer round that is not yet the final round, so
	// the client knows to send another tick. Its absence means the round
	// just read was the producer's last (Finish was called) — the pipe
	// has no out-of-band channel to carry that fact the way HTTP carries
	// it via a continuation token, so it travels as ordinary metadata on
	// the round's own batch instead.
	MetaPipeMore = "pipe_more"
)

// Fixed wire constants.
const (
	// RequestVersion is the only request_version value accepted on the wire.
	RequestVersion = "1"

	// DescribeVersion is the fixed describe_version stamped on the
	// describe batch's metadata.
	DescribeVersion = "2"

	// DescribeMethodName is the reserved method name the server handles
	// directly, without entering method dispatch.
	DescribeMethodName = "__describe__"

	// CapabilitiesPath is the HTTP-only introspection path.
	CapabilitiesPath = "__capabilities__"

	// StateTokenVersion is the one-byte version field of a packed state
	// token.
	StateTokenVersion byte = 2

	// HMACSize is the number of trailing bytes of a state token occupied
	// by its HMAC-SHA-256 tag.
	HMACSize = 32

	// MinTokenLength is the minimum number of bytes a packed (but
	// unencoded) state token can have: 1 version + 8 created_at + 3 four
	// -byte length prefixes (each possibly zero payload) + 32 HMAC.
	MinTokenLength = 1 + 8 + 4 + 4 + 4 + HMACSize

	// DefaultTokenTTLSeconds is the default state-token time-to-live; 0
	// disables expiry checking entirely.
	DefaultTokenTTLSeconds = 3600

	// MaxRequestBytesHeader is the HTTP header advertising the server's
	// request-size limit from the capabilities preflight endpoint.
	MaxRequestBytesHeader = "VGI-Max-Request-Bytes"

	// ContentEncodingZstd is the only supported Content-Encoding value.
	ContentEncodingZstd = "zstd"

	// ArrowIPCStreamContentType is the required Content-Type for HTTP
	// requests and responses.
	ArrowIPCStreamContentType = "application/vnd.apache.arrow.stream"
)

// LogLevel is a client-facing, out-of-band log severity.
type LogLevel string

const (
	LogDebug     LogLevel = "DEBUG"
	LogInfo      LogLevel = "INFO"
	LogWarn      LogLevel = "WARN"
	LogError     LogLevel = "ERROR"
	LogException LogLevel = "EXCEPTION"
)
