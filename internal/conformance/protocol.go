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

// Package conformance registers the fixed multi-method protocol used to
// exercise every code path across transports: a Unary method, a
// Producer, two Exchanges (one with a header), and a Producer that fails
// partway through. Stream state holds only plain float64 values, so it
// survives the HTTP transport's JSON state token unchanged.
// Client and server share this protocol as knowledge both sides already
// have, rather than something discovered purely from the wire.
package conformance

import (
	"fmt"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/registry"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// int32Param normalizes a request parameter to int32 via wire.CoerceInt
// rather than asserting its Go type directly: a client that infers its
// request schema from a Go value's own kind has no way to know this
// method declared the field as a 32-bit integer, so it may arrive
// widened to int64. CoerceInt narrows it back losslessly.
func int32Param(params map[string]any, name string) (int32, error) {
	v, ok := params[name]
	if !ok {
		return 0, vgierr.NewContractf("missing parameter %q", name)
	}
	coerced, err := wire.CoerceInt(v, 32)
	if err != nil {
		return 0, vgierr.NewContractf("%s: %v", name, err)
	}
	n, ok := coerced.(int32)
	if !ok {
		return 0, vgierr.NewContractf("%s must be an integer representable as int32", name)
	}
	return n, nil
}

// field builds one schema field of the given name and kind.
func field(name string, kind ipcstream.Kind) ipcstream.Field {
	return ipcstream.Field{Name: name, Kind: kind}
}

// NewProtocol builds and returns the conformance protocol, registering
// add, count, scale, accumulate, and produce_error_mid_stream.
func NewProtocol() *registry.Protocol {
	p := registry.NewProtocol("conformance")
	mustRegister(p, addMethod())
	mustRegister(p, countMethod())
	mustRegister(p, scaleMethod())
	mustRegister(p, accumulateMethod())
	mustRegister(p, produceErrorMidStreamMethod())
	return p
}

func mustRegister(p *registry.Protocol, m *registry.Method) {
	if err := p.Register(m); err != nil {
		panic(err)
	}
}

// addMethod: add(a: f64, b: f64) -> f64, scenario 1.
func addMethod() *registry.Method {
	return &registry.Method{
		Name: "add",
		Kind: registry.KindUnary,
		Doc:  "returns a + b",
		ParamSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("a", ipcstream.KindFloat64),
			field("b", ipcstream.KindFloat64),
		}},
		ResultSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("result", ipcstream.KindFloat64),
		}},
		Handler: func(params map[string]any, ctx *registry.RequestContext) (map[string]any, error) {
			a, aok := params["a"].(float64)
			b, bok := params["b"].(float64)
			if !aok || !bok {
				return nil, vgierr.NewContract("add: a and b must be float64")
			}
			return map[string]any{"result": a + b}, nil
		},
	}
}

// countMethod: count(limit: i32, batch_size: i32) -> (n: i32, n_squared:
// i64). batch_size is accepted for describe-compatibility with a real
// batching producer, but each Produce call emits exactly one row: this
// module's OutputCollector permits at most one Data call per round, so a
// wider per-tick row count is not representable without widening that
// contract — see DESIGN.md.
func countMethod() *registry.Method {
	return &registry.Method{
		Name: "count",
		Kind: registry.KindProducer,
		Doc:  "emits n and n*n for n = 0..limit-1",
		ParamSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("limit", ipcstream.KindInt32),
			field("batch_size", ipcstream.KindInt32),
		}},
		OutputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("n", ipcstream.KindInt32),
			field("n_squared", ipcstream.KindInt64),
		}},
		Init: func(params map[string]any, ctx *registry.RequestContext) (registry.State, error) {
			limit, err := int32Param(params, "limit")
			if err != nil {
				return nil, err
			}
			return registry.State{"n": 0.0, "limit": float64(limit)}, nil
		},
		Produce: func(state registry.State, out *registry.OutputCollector) error {
			n, limit := state["n"].(float64), state["limit"].(float64)
			if n >= limit {
				return out.Finish()
			}
			state["n"] = n + 1
			if err := out.Data(map[string]any{"n": int32(n), "n_squared": int64(n) * int64(n)}); err != nil {
				return err
			}
			if n+1 >= limit {
				return out.Finish()
			}
			return nil
		},
	}
}

// scaleMethod: scale(factor: f64) -> (value: f64), an Exchange method
// that multiplies each submitted value by a header-supplied factor —
// used alongside accumulate to exercise the header-stream code path
// (HasHeader) that accumulate, by design, does not.
func scaleMethod() *registry.Method {
	return &registry.Method{
		Name: "scale",
		Kind: registry.KindExchange,
		Doc:  "multiplies each exchanged value by factor",
		ParamSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("factor", ipcstream.KindFloat64),
		}},
		InputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("value", ipcstream.KindFloat64),
		}},
		OutputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("value", ipcstream.KindFloat64),
		}},
		HasHeader: true,
		HeaderSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("factor", ipcstream.KindFloat64),
		}},
		Init: func(params map[string]any, ctx *registry.RequestContext) (registry.State, error) {
			factor, ok := params["factor"].(float64)
			if !ok {
				return nil, vgierr.NewContract("scale: factor must be float64")
			}
			return registry.State{"factor": factor}, nil
		},
		HeaderInit: func(params map[string]any, state registry.State, ctx *registry.RequestContext) (map[string]any, error) {
			return map[string]any{"factor": state["factor"].(float64)}, nil
		},
		Exchange: func(state registry.State, input *ipcstream.Batch, out *registry.OutputCollector) error {
			factor := state["factor"].(float64)
			if input.RowCount() == 0 {
				return nil
			}
			row, err := input.Row(0)
			if err != nil {
				return vgierr.WrapProtocol("decode scale input row", err)
			}
			value, ok := row[0].(float64)
			if !ok {
				return vgierr.NewContract("scale: value must be float64")
			}
			return out.Data(map[string]any{"value": value * factor})
		},
	}
}

// accumulateMethod: accumulate() with input {value: f64}, output
// {running_sum: f64, exchange_count: i64}, scenario 4.
func accumulateMethod() *registry.Method {
	return &registry.Method{
		Name:        "accumulate",
		Kind:        registry.KindExchange,
		Doc:         "accumulates a running sum across exchange rounds",
		ParamSchema: ipcstream.Schema{},
		InputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("value", ipcstream.KindFloat64),
		}},
		OutputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("running_sum", ipcstream.KindFloat64),
			field("exchange_count", ipcstream.KindInt64),
		}},
		Init: func(params map[string]any, ctx *registry.RequestContext) (registry.State, error) {
			return registry.State{"running_sum": 0.0, "exchange_count": 0.0}, nil
		},
		Exchange: func(state registry.State, input *ipcstream.Batch, out *registry.OutputCollector) error {
			if input.RowCount() == 0 {
				return nil
			}
			row, err := input.Row(0)
			if err != nil {
				return vgierr.WrapProtocol("decode accumulate input row", err)
			}
			value, ok := row[0].(float64)
			if !ok {
				return vgierr.NewContract("accumulate: value must be float64")
			}
			sum := state["running_sum"].(float64) + value
			count := state["exchange_count"].(float64) + 1
			state["running_sum"], state["exchange_count"] = sum, count
			return out.Data(map[string]any{"running_sum": sum, "exchange_count": int64(count)})
		},
	}
}

// produceErrorMidStreamMethod: produce_error_mid_stream(emit_before_error:
// i32), scenario 5 — emits emit_before_error data batches, then a
// terminal HandlerError.
func produceErrorMidStreamMethod() *registry.Method {
	return &registry.Method{
		Name: "produce_error_mid_stream",
		Kind: registry.KindProducer,
		Doc:  "emits emit_before_error rows, then fails",
		ParamSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("emit_before_error", ipcstream.KindInt32),
		}},
		OutputSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			field("n", ipcstream.KindInt32),
		}},
		Init: func(params map[string]any, ctx *registry.RequestContext) (registry.State, error) {
			n, err := int32Param(params, "emit_before_error")
			if err != nil {
				return nil, err
			}
			return registry.State{"emit_before_error": float64(n), "emitted": 0.0}, nil
		},
		Produce: func(state registry.State, out *registry.OutputCollector) error {
			limit, emitted := state["emit_before_error"].(float64), state["emitted"].(float64)
			if emitted >= limit {
				return vgierr.NewHandler("HandlerError", fmt.Sprintf("intentional error after %d batches", int32(limit)))
			}
			state["emitted"] = emitted + 1
			return out.Data(map[string]any{"n": int32(emitted)})
		},
	}
}
