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

package ipcstream

import (
	"fmt"
	"math/big"
)

// asInt64 widens/narrows any of Go's signed integer types, or a
// math/big.Int that fits in 64 bits, to int64 without truncation. Go's
// native int64 already spans the full 64-bit signed range, so no value
// accepted here is lossy — the *big.Int case exists purely so that
// integers arriving as big integers (per spec's "wider integers are
// preserved as big integers" rule for other language runtimes) still
// widen losslessly in Go.
func asInt64(v any) (int64, error) {
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
		if uint64(n) > (1<<63)-1 {
			return 0, fmt.Errorf("uint value %d overflows int64", n)
		}
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > (1<<63)-1 {
			return 0, fmt.Errorf("uint64 value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("float64 value %v is not an exact integer", n)
		}
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("big.Int %s does not fit in int64", n.String())
		}
		return n.Int64(), nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to int64", v)
	}
}

func asUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d cannot be uint64", n)
		}
		return uint64(n), nil
	case int8:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d cannot be uint64", n)
		}
		return uint64(n), nil
	case int16:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d cannot be uint64", n)
		}
		return uint64(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d cannot be uint64", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d cannot be uint64", n)
		}
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("float64 value %v is not an exact non-negative integer", n)
		}
		return uint64(n), nil
	case *big.Int:
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Errorf("big.Int %s does not fit in uint64", n.String())
		}
		return n.Uint64(), nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to uint64", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to float64", v)
	}
}
