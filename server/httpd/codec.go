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

package httpd

import (
	"bytes"

	"github.com/apache/arrow/go/v12/arrow/memory"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
)

// decodeOneBatch parses raw (an entire HTTP body, one IPC stream) and
// returns its single batch.
func decodeOneBatch(raw []byte, alloc memory.Allocator) (*ipcstream.Batch, error) {
	sr := ipcstream.NewStreamReader(bytes.NewReader(raw), alloc)
	b, err := sr.ReadBatch()
	if err != nil {
		return nil, vgierr.WrapProtocol("decode request body", err)
	}
	return b, nil
}

// encodeOneBatch serializes b as a self-contained, single-batch IPC
// stream suitable for an HTTP response body.
func encodeOneBatch(b *ipcstream.Batch, alloc memory.Allocator) ([]byte, error) {
	var buf bytes.Buffer
	sw := ipcstream.NewStreamWriter(&buf, alloc)
	if err := sw.WriteBatch(b); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
