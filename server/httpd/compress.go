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
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
)

// decompressBody reverses Content-Encoding: zstd on a request body. The
// compression filter is transparent to every upstream operation —
// callers never see compressed bytes.
func decompressBody(body []byte, contentEncoding string) ([]byte, error) {
	if contentEncoding != vgi.ContentEncodingZstd {
		return body, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, vgierr.WrapProtocol("open zstd decoder", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, vgierr.WrapProtocol("decompress zstd body", err)
	}
	return out, nil
}

// compressBody applies Content-Encoding: zstd at level when cfg enables
// compression.
func compressBody(body []byte, level *int) ([]byte, bool, error) {
	if level == nil {
		return body, false, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(*level)))
	if err != nil {
		return nil, false, vgierr.WrapTransport("open zstd encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), true, nil
}
