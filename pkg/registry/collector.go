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
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/query-farm/vgi-rpc-go/pkg/ipcstream"
	"github.com/query-farm/vgi-rpc-go/pkg/vgi"
	"github.com/query-farm/vgi-rpc-go/pkg/vgierr"
	"github.com/query-farm/vgi-rpc-go/pkg/wire"
)

// OutputCollector is the owned buffer passed by pointer into a single
// produce/exchange invocation. It accumulates log batches freely but
// enforces the at-most-one-data-batch invariant with a small sentinel
// rather than letting the handler write straight to the wire. It is
// discarded once the dispatcher flushes its batches.
type OutputCollector struct {
	alloc       memory.Allocator
	schema      ipcstream.Schema
	serverID    string
	requestID   string
	allowFinish bool

	batches     []*ipcstream.Batch
	dataWritten bool
	finished    bool
}

// NewOutputCollector returns a collector bound to schema. allowFinish is
// true for Producer calls and false for Exchange rounds, where calling
// Finish is illegal.
func NewOutputCollector(alloc memory.Allocator, schema ipcstream.Schema, serverID, requestID string, allowFinish bool) *OutputCollector {
	return &OutputCollector{alloc: alloc, schema: schema, serverID: serverID, requestID: requestID, allowFinish: allowFinish}
}

// Log appends a zero-row out-of-band log batch.
func (c *OutputCollector) Log(level vgi.LogLevel, message string, extra map[string]any) error {
	b, err := wire.BuildLogBatch(c.schema, level, message, extra, c.serverID, c.requestID, c.alloc)
	if err != nil {
		return err
	}
	c.batches = append(c.batches, b)
	return nil
}

// Data appends the one data batch permitted per call. A second call
// fails with ContractError.
func (c *OutputCollector) Data(values map[string]any) error {
	if c.dataWritten {
		return vgierr.NewContract("at most one data batch may be emitted per producer call or exchange round")
	}
	b, err := wire.BuildResultBatch(c.schema, values, c.serverID, c.requestID, c.alloc)
	if err != nil {
		return err
	}
	c.batches = append(c.batches, b)
	c.dataWritten = true
	return nil
}

// Finish marks the producer's output stream as complete after this
// call. Illegal when allowFinish is false (exchange rounds).
func (c *OutputCollector) Finish() error {
	if !c.allowFinish {
		return vgierr.NewContract("finish is illegal on exchange methods")
	}
	c.finished = true
	return nil
}

// Finished reports whether Finish was called.
func (c *OutputCollector) Finished() bool { return c.finished }

// DataWritten reports whether a data batch was emitted this call.
func (c *OutputCollector) DataWritten() bool { return c.dataWritten }

// Batches returns the accumulated batches in emission order: logs first,
// then the at-most-one data batch.
func (c *OutputCollector) Batches() []*ipcstream.Batch { return c.batches }

// Release releases every accumulated batch's underlying buffers. Call
// after the dispatcher has written (or discarded) the batches.
func (c *OutputCollector) Release() {
	for _, b := range c.batches {
		b.Release()
	}
	c.batches = nil
}
