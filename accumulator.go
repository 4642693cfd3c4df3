// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bulkdispatcher

import "sync"

// accumulator holds the single open batch of a Processor.
type accumulator struct {
	mu     sync.Mutex
	active *Batch
}

// add appends r to the open batch, opening a new one if needed. It returns
// the open batch and its row count after the append.
func (a *accumulator) add(r Record) (*Batch, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		a.active = NewBatch()
	}
	// The open batch is never sealed while the lock is held.
	a.active.records = append(a.active.records, r)
	return a.active, len(a.active.records)
}

// sealAndHandOff seals the open batch, clears the slot and passes the batch
// to handoff, returning its result. Without an open batch it does nothing
// and returns true.
func (a *accumulator) sealAndHandOff(handoff func(*Batch) bool) bool {
	a.mu.Lock()
	b := a.active
	a.active = nil
	if b != nil {
		b.Seal()
	}
	a.mu.Unlock()

	if b == nil {
		return true
	}
	return handoff(b)
}

func (a *accumulator) open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

func (a *accumulator) rows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return 0
	}
	return a.active.Rows()
}
