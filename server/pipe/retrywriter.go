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

package pipe

import (
	"io"
	"time"
)

// temporary is the de-facto Go convention (net.Error and friends) for an
// error that is worth retrying. No suitable third-party library offers a
// bounded-backoff retrying writer, so this small helper is built
// directly on time.Sleep — a justified standard-library use recorded in
// DESIGN.md.
type temporary interface {
	Temporary() bool
}

const (
	retryInitialBackoff = 1 * time.Millisecond
	retryMaxBackoff      = 100 * time.Millisecond
	retryMaxAttempts     = 20
)

// retryWriter wraps w, retrying Write with a bounded exponential backoff
// when the underlying writer reports a transient "buffer full" condition,
// until every byte is emitted, a non-temporary error (a broken pipe)
// occurs, or retryMaxAttempts is reached.
type retryWriter struct {
	w io.Writer
}

func newRetryWriter(w io.Writer) *retryWriter { return &retryWriter{w: w} }

func (rw *retryWriter) Write(p []byte) (int, error) {
	backoff := retryInitialBackoff
	total := 0
	for attempt := 0; total < len(p); attempt++ {
		n, err := rw.w.Write(p[total:])
		total += n
		if err == nil {
			continue
		}
		te, ok := err.(temporary)
		if !ok || !te.Temporary() || attempt >= retryMaxAttempts {
			return total, err
		}
		time.Sleep(backoff)
		if backoff < retryMaxBackoff {
			backoff *= 2
			if backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
		}
	}
	return total, nil
}
