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

// Package werr wraps errors with the file, line, and function where the
// wrap happened, plus an optional context map. It underlies the typed
// error kinds in pkg/vgierr.
package werr

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Wrapper wraps an error with the file, line, and function where the error
// was wrapped and an optional context map.
type Wrapper struct {
	err error

	file     string
	line     int
	function string

	context map[string]interface{}
}

// Error returns the wrapped error's message, prefixed with the call site.
func (w Wrapper) Error() string {
	var msg strings.Builder

	msg.WriteString(w.function)
	msg.WriteString(":")
	msg.WriteString(strconv.Itoa(w.line))

	if w.context != nil {
		msg.WriteString("{")
		first := true
		for k, v := range w.context {
			if !first {
				msg.WriteString(",")
			}
			first = false
			msg.WriteString(k)
			msg.WriteString("=")
			msg.WriteString(fmt.Sprintf("%v", v))
		}
		msg.WriteString("}")
	}

	if w.err != nil {
		msg.WriteString("->")
		msg.WriteString(w.err.Error())
	}

	return msg.String()
}

// Unwrap returns the wrapped error.
func (w Wrapper) Unwrap() error {
	return w.err
}

// File returns the file where the error was wrapped.
func (w Wrapper) File() string { return w.file }

// Line returns the line where the error was wrapped.
func (w Wrapper) Line() int { return w.line }

// Function returns the function where the error was wrapped.
func (w Wrapper) Function() string { return w.function }

// Wrap wraps err with the current file, line, and function. Returns nil if
// err is nil.
func Wrap(err error) error {
	return wrapAt(err, nil, 2)
}

// WrapWithContext wraps err with the current file, line, function, and the
// given context map.
func WrapWithContext(err error, context map[string]interface{}) error {
	return wrapAt(err, context, 2)
}

// wrapAt wraps err with the call site skip frames above itself, so each
// exported wrapper records its own caller.
func wrapAt(err error, context map[string]interface{}, skip int) error {
	if err == nil {
		return nil
	}

	pc, file, line, _ := runtime.Caller(skip)
	fn := runtime.FuncForPC(pc)

	return Wrapper{
		err:      err,
		file:     file,
		line:     line,
		function: fn.Name(),
		context:  context,
	}
}

// WrapWithMsg wraps err with the current call site and a single "msg"
// context entry.
func WrapWithMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return wrapAt(err, map[string]interface{}{"msg": msg}, 2)
}
