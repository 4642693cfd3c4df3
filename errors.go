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
)

// ErrClientMissing is returned by Processor.Init when no Executor was
// provided.
var ErrClientMissing = errors.New("client is nil")

// ErrSendersRunning is returned by Processor.Init when senders of a previous
// run, abandoned by Deinit after Config.ShutdownTimeout, have not stopped yet.
var ErrSendersRunning = errors.New("bulk senders of a previous run are still running")

// TransportError is returned when a bulk request could not be sent, its
// response could not be read, or the response was not JSON.
type TransportError struct {
	// Request describes the request, e.g. "POST /_bulk".
	Request string

	// ContentType and StatusLine are set when the response carried an
	// unexpected content type, typically a proxy answering with HTML.
	ContentType string
	StatusLine  string

	Err error
}

func (e *TransportError) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("request %s yielded %s, should be json: %s",
			e.Request, e.ContentType, e.StatusLine,
		)
	}
	return fmt.Sprintf("failed to execute the request: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SyntaxError is returned when a JSON bulk response cannot be decoded.
type SyntaxError struct {
	StatusCode int
	Err        error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("error decoding bulk response (status %d): %s", e.StatusCode, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}
