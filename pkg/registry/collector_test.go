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

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
)

func collectorSchema() ipcstream.Schema {
	return ipcstream.Schema{Fields: []ipcstream.Field{{Name: "n", Kind: ipcstream.KindInt32}}}
}

func TestOutputCollectorDataThenSecondDataFails(t *testing.T) {
	c := NewOutputCollector(memory.NewGoAllocator(), collectorSchema(), "srv-1", "req-1", true)
	require.NoError(t, c.Data(map[string]any{"n": int32(1)}))
	err := c.Data(map[string]any{"n": int32(2)})
	require.Error(t, err)
	assert.True(t, c.DataWritten())
	c.Release()
}

func TestOutputCollectorFinishIllegalOnExchange(t *testing.T) {
	c := NewOutputCollector(memory.NewGoAllocator(), collectorSchema(), "srv-1", "req-1", false)
	err := c.Finish()
	require.Error(t, err)
	assert.False(t, c.Finished())
}

func TestOutputCollectorFinishAllowedOnProducer(t *testing.T) {
	c := NewOutputCollector(memory.NewGoAllocator(), collectorSchema(), "srv-1", "req-1", true)
	require.NoError(t, c.Finish())
	assert.True(t, c.Finished())
}

func TestOutputCollectorBatchOrderLogsThenData(t *testing.T) {
	c := NewOutputCollector(memory.NewGoAllocator(), collectorSchema(), "srv-1", "req-1", true)
	require.NoError(t, c.Log(vgi.LogInfo, "starting", nil))
	require.NoError(t, c.Data(map[string]any{"n": int32(5)}))

	batches := c.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0].RowCount())
	assert.Equal(t, 1, batches[1].RowCount())
	c.Release()
}
