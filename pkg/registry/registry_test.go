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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
)

func unaryEchoMethod() *Method {
	return &Method{
		Name: "echo",
		Kind: KindUnary,
		ResultSchema: ipcstream.Schema{Fields: []ipcstream.Field{
			{Name: "result", Kind: ipcstream.KindString},
		}},
		Handler: func(params map[string]any, ctx *RequestContext) (map[string]any, error) {
			return map[string]any{"result": params["value"]}, nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	p := NewProtocol("test")
	require.NoError(t, p.Register(unaryEchoMethod()))

	m, ok := p.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, KindUnary, m.Kind)
	assert.True(t, m.HasReturn())
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	p := NewProtocol("test")
	require.NoError(t, p.Register(unaryEchoMethod()))
	err := p.Register(unaryEchoMethod())
	require.Error(t, err)
}

func TestRegisterRejectsReservedDescribeName(t *testing.T) {
	p := NewProtocol("test")
	m := unaryEchoMethod()
	m.Name = vgi.DescribeMethodName
	err := p.Register(m)
	require.Error(t, err)
}

func TestNamesSortedLexicographically(t *testing.T) {
	p := NewProtocol("test")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		m := unaryEchoMethod()
		m.Name = name
		require.NoError(t, p.Register(m))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, p.Names())
}

func TestUnknownMethodErrorListsAvailableNames(t *testing.T) {
	p := NewProtocol("test")
	require.NoError(t, p.Register(unaryEchoMethod()))
	err := p.UnknownMethodError("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echo")
	assert.Contains(t, err.Error(), "missing")
}

func TestHasReturnFalseForVoidUnaryAndNonUnary(t *testing.T) {
	voidUnary := &Method{Name: "noop", Kind: KindUnary}
	assert.False(t, voidUnary.HasReturn())

	producer := &Method{Name: "stream", Kind: KindProducer, OutputSchema: ipcstream.Schema{
		Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}},
	}}
	assert.False(t, producer.HasReturn())
}

func TestOverrideOutputSchemaRoundTrip(t *testing.T) {
	override := ipcstream.Schema{Fields: []ipcstream.Field{{Name: "x", Kind: ipcstream.KindInt64}}}
	state := State{StateKeyOverrideOutputSchema: override}
	got, ok := OverrideOutputSchema(state)
	require.True(t, ok)
	assert.True(t, got.Equal(override))

	_, ok = OverrideOutputSchema(State{})
	assert.False(t, ok)
}

func TestOverrideKindRoundTrip(t *testing.T) {
	state := State{StateKeyOverrideKind: KindExchange}
	got, ok := OverrideKind(state)
	require.True(t, ok)
	assert.Equal(t, KindExchange, got)
}
