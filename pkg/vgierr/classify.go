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

package vgierr

import "errors"

// Classify returns the (exception_type, message) pair used to build an
// EXCEPTION batch for an arbitrary error produced anywhere in this
// module's dispatch path.
func Classify(err error) (exceptionType, message string) {
	var protoErr *ProtocolError
	var versionErr *VersionError
	var contractErr *ContractError
	var handlerErr *HandlerError
	var transportErr *TransportError

	switch {
	case errors.As(err, &protoErr):
		return "ProtocolError", protoErr.Msg
	case errors.As(err, &versionErr):
		return "VersionError", versionErr.Msg
	case errors.As(err, &contractErr):
		return "ContractError", contractErr.Msg
	case errors.As(err, &handlerErr):
		if handlerErr.ExceptionType != "" {
			return handlerErr.ExceptionType, handlerErr.Msg
		}
		return "HandlerError", handlerErr.Msg
	case errors.As(err, &transportErr):
		return "TransportError", transportErr.Msg
	default:
		return "HandlerError", err.Error()
	}
}

// HTTPStatus maps an error produced by this module to an HTTP status
// code: ProtocolError/VersionError/ContractError as malformed-request
// errors → 400, HandlerError → 500, TransportError → 500. Callers
// distinguish the "init-only, throw immediately" case separately; this
// only maps error kind to status.
func HTTPStatus(err error) int {
	var protoErr *ProtocolError
	var versionErr *VersionError
	var contractErr *ContractError
	switch {
	case errors.As(err, &protoErr), errors.As(err, &versionErr), errors.As(err, &contractErr):
		return 400
	default:
		return 500
	}
}
