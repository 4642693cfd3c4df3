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

import "errors"

var (
	errMissingIndex = errors.New("missing index name")
	errMissingBody  = errors.New("missing document body")
)

// Record is a single pre-formatted document and its destination.
//
// A Record must not be modified after it has been passed to Processor.Add.
type Record struct {
	// Index holds the target index or data stream. Required.
	Index string

	// DocumentType holds the legacy mapping type. It is omitted from the
	// bulk action when empty.
	DocumentType string

	// Pipeline holds an optional ingest pipeline ID.
	Pipeline string

	// DocumentID holds an optional document ID. Elasticsearch generates
	// one when empty.
	DocumentID string

	// Body holds the JSON encoded document. It must not contain newlines.
	Body []byte
}

func (r Record) validate() error {
	if r.Index == "" {
		return errMissingIndex
	}
	if len(r.Body) == 0 {
		return errMissingBody
	}
	return nil
}
