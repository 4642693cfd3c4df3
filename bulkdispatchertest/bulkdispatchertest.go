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

// Package bulkdispatchertest provides helpers for testing code that sends
// bulk requests with bulkdispatcher.
package bulkdispatchertest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Action is a decoded bulk action and its document source.
type Action struct {
	Type         string
	Index        string
	DocumentType string
	ID           string
	Pipeline     string
	Source       []byte
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and a response body reporting every document as created.
func DecodeBulkRequest(r *http.Request) ([]Action, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(nil, 16*1024*1024)
	var actions []Action
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		meta := make(map[string]struct {
			Index    string `json:"_index"`
			Type     string `json:"_type"`
			ID       string `json:"_id"`
			Pipeline string `json:"pipeline"`
		})
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		var action Action
		for actionType, m := range meta {
			action = Action{
				Type:         actionType,
				Index:        m.Index,
				DocumentType: m.Type,
				ID:           m.ID,
				Pipeline:     m.Pipeline,
			}
		}
		if !scanner.Scan() {
			panic("expected source")
		}
		action.Source = append([]byte{}, scanner.Bytes()...)
		if !json.Valid(action.Source) {
			panic(fmt.Errorf("invalid JSON: %s", action.Source))
		}
		actions = append(actions, action)

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: action.ID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Type: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return actions, result
}

// WriteBulkResponse writes result as a JSON bulk response. The "took" and
// "errors" fields precede "items", as they do in Elasticsearch responses.
func WriteBulkResponse(w http.ResponseWriter, result esutil.BulkIndexerResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		panic(err)
	}
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends /_bulk requests to bulkHandler. The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
// Responses default to a JSON content type.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		bulkHandler.ServeHTTP(w, r)
	})
}

// TransportFunc is an elastictransport.Interface calling itself for every
// request.
type TransportFunc func(*http.Request) (*http.Response, error)

// Perform calls f(req).
func (f TransportFunc) Perform(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Body is a response body recording how much of it has been read.
type Body struct {
	mu     sync.Mutex
	r      io.Reader
	read   int
	closed bool
	err    error
}

// NewBody returns a Body reading data.
func NewBody(data []byte) *Body {
	return &Body{r: bytes.NewReader(data)}
}

// NewFailingBody returns a Body reading data and then failing with err
// instead of returning io.EOF.
func NewFailingBody(data []byte, err error) *Body {
	return &Body{r: bytes.NewReader(data), err: err}
}

// Read reads from the underlying data.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.r.Read(p)
	b.read += n
	if err == io.EOF && b.err != nil {
		err = b.err
	}
	return n, err
}

// Close marks the body as closed.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// BytesRead returns the number of bytes read so far.
func (b *Body) BytesRead() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}

// Closed reports whether Close has been called.
func (b *Body) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// AssertOTelMetrics calls assertFunc for every metric in ms, failing the
// test if ms is empty.
func AssertOTelMetrics(t testing.TB, ms []metricdata.Metrics, assertFunc func(m metricdata.Metrics)) {
	t.Helper()
	require.NotEmpty(t, ms)
	for _, m := range ms {
		assertFunc(m)
	}
}

// SumInt64 returns the sum of the data points of the int64 counter name
// that carry all of attrs.
func SumInt64(rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
