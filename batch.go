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

import (
	"errors"
	"fmt"
	"io"

	"go.elastic.co/fastjson"
)

// ErrBatchSealed is returned when adding a record to a sealed Batch.
var ErrBatchSealed = errors.New("batch is sealed")

var newline = []byte{'\n'}

// Batch is an ordered set of records sent as a single bulk request.
//
// A Batch is open until Seal is called. It is owned by a single goroutine at
// a time: the accumulator while open, then the dispatch queue and finally the
// sender executing it. A sealed Batch is never modified.
type Batch struct {
	records []Record
	sealed  bool
}

// NewBatch returns an open Batch holding records.
func NewBatch(records ...Record) *Batch {
	b := &Batch{}
	b.records = append(b.records, records...)
	return b
}

// Add appends r to the batch.
func (b *Batch) Add(r Record) error {
	if b.sealed {
		return ErrBatchSealed
	}
	b.records = append(b.records, r)
	return nil
}

// Seal marks the batch as immutable.
func (b *Batch) Seal() {
	b.sealed = true
}

// Sealed reports whether Seal has been called.
func (b *Batch) Sealed() bool {
	return b.sealed
}

// Rows returns the number of records in the batch.
func (b *Batch) Rows() int {
	return len(b.records)
}

// Records returns the records in the order they were added. The returned
// slice must not be modified.
func (b *Batch) Records() []Record {
	return b.records
}

// writeTo encodes the batch as a _bulk request body, one action line and
// one source line per record.
func (b *Batch) writeTo(w io.Writer, jsonw *fastjson.Writer) (int64, error) {
	var written int64
	for i, r := range b.records {
		jsonw.Reset()
		writeMeta(jsonw, r)
		n, err := w.Write(jsonw.Bytes())
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write action for record %d: %w", i, err)
		}
		n, err = w.Write(r.Body)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write record %d: %w", i, err)
		}
		n, err = w.Write(newline)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write newline: %w", err)
		}
	}
	jsonw.Reset()
	return written, nil
}

func writeMeta(jsonw *fastjson.Writer, r Record) {
	jsonw.RawString(`{"index":{"_index":`)
	jsonw.String(r.Index)
	if r.DocumentType != "" {
		jsonw.RawString(`,"_type":`)
		jsonw.String(r.DocumentType)
	}
	if r.DocumentID != "" {
		jsonw.RawString(`,"_id":`)
		jsonw.String(r.DocumentID)
	}
	if r.Pipeline != "" {
		jsonw.RawString(`,"pipeline":`)
		jsonw.String(r.Pipeline)
	}
	jsonw.RawString("}}\n")
}
