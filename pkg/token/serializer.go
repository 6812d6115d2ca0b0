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

package token

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// bigIntPrefix tags a JSON string as a losslessly-preserved big integer
// by a reserved prefix.
const bigIntPrefix = "$bigint:"

// StateSerializer is the pluggable pair: Serialize turns an opaque
// per-stream state value into bytes for embedding in a token;
// Deserialize reverses it.
type StateSerializer interface {
	Serialize(state map[string]any) ([]byte, error)
	Deserialize(data []byte) (map[string]any, error)
}

// JSONStateSerializer is the default StateSerializer. It round-trips
// math/big.Int values losslessly by encoding them as JSON strings
// prefixed with "$bigint:".
type JSONStateSerializer struct{}

var _ StateSerializer = JSONStateSerializer{}

func (JSONStateSerializer) Serialize(state map[string]any) ([]byte, error) {
	if state == nil {
		return []byte("null"), nil
	}
	tagged := make(map[string]any, len(state))
	for k, v := range state {
		tagged[k] = tagBigInts(v)
	}
	return json.Marshal(tagged)
}

func (JSONStateSerializer) Deserialize(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("token: unmarshal state: %w", err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = untagBigInts(v)
	}
	return out, nil
}

func tagBigInts(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return bigIntPrefix + x.String()
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = tagBigInts(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = tagBigInts(vv)
		}
		return s
	default:
		return v
	}
}

func untagBigInts(v any) any {
	switch x := v.(type) {
	case string:
		if rest, ok := strings.CutPrefix(x, bigIntPrefix); ok {
			if n, ok := new(big.Int).SetString(rest, 10); ok {
				return n
			}
		}
		return x
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = untagBigInts(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = untagBigInts(vv)
		}
		return s
	default:
		return v
	}
}
