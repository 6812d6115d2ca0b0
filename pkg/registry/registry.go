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

// Package registry holds the Protocol/Method object model and the
// describe introspection batch. The three method kinds are a tagged
// variant: one Method struct with a Kind field, rather than three
// interfaces the dispatcher would otherwise have to store
// polymorphically.
package registry

import (
	"sort"
	"sync"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
)

// Kind tags which of the three method variants a Method is.
type Kind int

const (
	KindUnary Kind = iota
	KindProducer
	KindExchange
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindProducer, KindExchange:
		return "stream"
	default:
		return "unknown"
	}
}

// RequestContext is passed to every handler. ClientLog appends a log
// batch to the response stream the handler is currently producing for.
type RequestContext struct {
	ServerID  string
	RequestID string
	onLog     func(level vgi.LogLevel, message string, extra map[string]any)
}

// NewRequestContext returns a context that forwards ClientLog calls to onLog.
func NewRequestContext(serverID, requestID string, onLog func(level vgi.LogLevel, message string, extra map[string]any)) *RequestContext {
	return &RequestContext{ServerID: serverID, RequestID: requestID, onLog: onLog}
}

// ClientLog appends an out-of-band log visible to the caller.
func (c *RequestContext) ClientLog(level vgi.LogLevel, message string, extra map[string]any) {
	if c.onLog != nil {
		c.onLog(level, message, extra)
	}
}

// State is the opaque per-stream value threaded between init,
// header_init, produce/exchange, and the state-token serializer. It is a
// plain string-keyed map so the default JSON state serializer
// (pkg/token) can round-trip it without reflection-based coding.
type State map[string]any

// Reserved state keys implementing the dynamic-override convention:
// communicated via a reserved key on the state object rather than
// promoted to wire metadata.
const (
	StateKeyOverrideOutputSchema = "__override_output_schema__"
	StateKeyOverrideKind         = "__override_kind__"
)

// OverrideOutputSchema returns the schema override carried in state, if any.
func OverrideOutputSchema(state State) (ipcstream.Schema, bool) {
	v, ok := state[StateKeyOverrideOutputSchema]
	if !ok {
		return ipcstream.Schema{}, false
	}
	s, ok := v.(ipcstream.Schema)
	return s, ok
}

// OverrideKind returns the producer/exchange-mode override carried in
// state, if any.
func OverrideKind(state State) (Kind, bool) {
	v, ok := state[StateKeyOverrideKind]
	if !ok {
		return 0, false
	}
	k, ok := v.(Kind)
	return k, ok
}

type (
	// UnaryHandler implements a Unary method.
	UnaryHandler func(params map[string]any, ctx *RequestContext) (map[string]any, error)

	// InitFunc initializes per-stream state for a Producer or Exchange method.
	InitFunc func(params map[string]any, ctx *RequestContext) (State, error)

	// HeaderInitFunc builds the optional 1-row header batch.
	HeaderInitFunc func(params map[string]any, state State, ctx *RequestContext) (map[string]any, error)

	// ProduceFunc emits zero or one data batch per tick via out, driven by a Producer.
	ProduceFunc func(state State, out *OutputCollector) error

	// ExchangeFunc emits zero or one data batch per round via out, driven by an Exchange.
	ExchangeFunc func(state State, input *ipcstream.Batch, out *OutputCollector) error
)

// Method is one registered protocol method: a tagged variant over
// {Unary, Producer, Exchange}. Only the fields relevant to Kind are
// populated; the rest are left zero.
type Method struct {
	Name string
	Kind Kind
	Doc  string

	// Defaults holds default values substituted for omitted parameters.
	Defaults map[string]any
	// ParamTypes holds domain-specific type tags serialized verbatim into describe.
	ParamTypes map[string]string

	ParamSchema  ipcstream.Schema // Unary, Producer (often empty), Exchange
	ResultSchema ipcstream.Schema // Unary only; zero fields denotes void
	InputSchema  ipcstream.Schema // Exchange only; empty marks Producer
	OutputSchema ipcstream.Schema // Producer, Exchange

	HasHeader    bool
	HeaderSchema ipcstream.Schema

	Handler UnaryHandler // Unary

	Init       InitFunc       // Producer, Exchange
	HeaderInit HeaderInitFunc // Producer, Exchange, when HasHeader
	Produce    ProduceFunc    // Producer
	Exchange   ExchangeFunc   // Exchange
}

// HasReturn reports the describe batch's has_return column: true only
// for a Unary method with a non-empty result schema.
func (m *Method) HasReturn() bool {
	return m.Kind == KindUnary && !m.ResultSchema.Empty()
}

// Protocol is a named, immutable-after-construction collection of
// Methods keyed by unique name.
type Protocol struct {
	Name string

	mu      sync.RWMutex
	methods map[string]*Method
}

// NewProtocol returns an empty protocol named name.
func NewProtocol(name string) *Protocol {
	return &Protocol{Name: name, methods: make(map[string]*Method)}
}

// Register adds m to the protocol. It fails if a method with the same
// name is already registered, or if the name collides with the reserved
// introspection method name.
func (p *Protocol) Register(m *Method) error {
	if m.Name == vgi.DescribeMethodName {
		return vgierr.NewContractf("method name %q is reserved for introspection", m.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.methods[m.Name]; exists {
		return vgierr.NewContractf("method %q already registered", m.Name)
	}
	p.methods[m.Name] = m
	return nil
}

// Lookup returns the method named name, if registered.
func (p *Protocol) Lookup(name string) (*Method, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.methods[name]
	return m, ok
}

// Names returns every registered method name, sorted lexicographically
// so describe output is stable across calls.
func (p *Protocol) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.methods))
	for n := range p.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UnknownMethodError formats the error message returned on an unknown
// method: one listing all available method names.
func (p *Protocol) UnknownMethodError(name string) error {
	return vgierr.NewProtocolf("unknown method %q; available methods: %v", name, p.Names())
}
