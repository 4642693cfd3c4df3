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

// Package bulkdispatcher batches records into Elasticsearch _bulk requests
// and dispatches them through a fixed pool of sender goroutines.
//
// Records are accumulated into a single open batch. Flushing seals the batch
// and offers it to a bounded queue; when the queue stays full for longer than
// the configured enqueue timeout the batch is dropped and counted. Senders
// execute one bulk request at a time and never retry: failed batches are
// counted as dropped and logged with decaying verbosity.
//
// Successful bulk responses are recognised from their first kilobyte, so
// large responses for fully indexed batches are never decoded.
package bulkdispatcher
