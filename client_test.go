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
package bulkdispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/elastic/go-bulkdispatcher"
	"github.com/elastic/go-bulkdispatcher/bulkdispatchertest"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const testIndex = "logs-foo-testing"

func newTestBatch(t testing.TB, n int) *bulkdispatcher.Batch {
	b := bulkdispatcher.NewBatch()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Add(bulkdispatcher.Record{
			Index:      testIndex,
			DocumentID: strconv.Itoa(i),
			Body:       []byte(`{"@timestamp":"2024-01-01T00:00:00.000Z","message":"hello"}`),
		}))
	}
	b.Seal()
	return b
}

// bulkResponse returns a bulk response body with n items. failed maps item
// positions to their failure status.
func bulkResponse(n int, failed map[int]int) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, `{"took":12,"errors":%t,"items":[`, len(failed) > 0)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		if status, ok := failed[i]; ok {
			fmt.Fprintf(&sb,
				`{"create":{"_index":"%s","_id":"%d","status":%d,"error":{"type":"failure_%d","reason":"failed item %d"}}}`,
				testIndex, i, status, status, i,
			)
			continue
		}
		fmt.Fprintf(&sb, `{"create":{"_index":"%s","_id":"%d","status":201}}`, testIndex, i)
	}
	sb.WriteString("]}")
	return []byte(sb.String())
}

func respondWith(statusCode int, contentType string, body *bulkdispatchertest.Body) bulkdispatchertest.TransportFunc {
	return func(*http.Request) (*http.Response, error) {
		header := make(http.Header)
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		return &http.Response{StatusCode: statusCode, Header: header, Body: body}, nil
	}
}

func newTestClient(t testing.TB, transport bulkdispatchertest.TransportFunc, cfg bulkdispatcher.ClientConfig) *bulkdispatcher.Client {
	client, err := bulkdispatcher.NewClient(transport, cfg)
	require.NoError(t, err)
	return client
}

func TestNewClientMissingTransport(t *testing.T) {
	_, err := bulkdispatcher.NewClient(nil, bulkdispatcher.ClientConfig{})
	assert.ErrorIs(t, err, bulkdispatcher.ErrClientMissing)
}

func TestNewClientInvalidCompressionLevel(t *testing.T) {
	_, err := bulkdispatcher.NewClient(
		respondWith(http.StatusOK, "", nil),
		bulkdispatcher.ClientConfig{CompressionLevel: 10},
	)
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got 10")
}

func TestClientFastPath(t *testing.T) {
	data := bulkResponse(1000, nil)
	require.Greater(t, len(data), 10*1024)
	body := bulkdispatchertest.NewBody(data)
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, len(data), body.BytesRead())
	assert.True(t, body.Closed())

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.BulkRequests)
	assert.Equal(t, int64(1), stats.FastPath)
	assert.Greater(t, stats.BytesFlushed, int64(0))
	assert.Equal(t, stats.BytesFlushed, stats.BytesUncompressedFlushed)
}

func TestClientFastPathIgnoresRemainder(t *testing.T) {
	data := bulkResponse(1000, nil)
	copy(data[2048:], "not json at all")
	body := bulkdispatchertest.NewBody(data)
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, len(data), body.BytesRead())
	assert.True(t, body.Closed())
}

func TestClientFastPathDiscardDisabled(t *testing.T) {
	data := bulkResponse(1000, nil)
	body := bulkdispatchertest.NewBody(data)
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{
		MaxDiscardBytes: -1,
	})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.LessOrEqual(t, body.BytesRead(), 1024)
	assert.True(t, body.Closed())
}

func TestClientFastPathDiscardLimit(t *testing.T) {
	data := bulkResponse(1000, nil)
	body := bulkdispatchertest.NewBody(data)
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{
		MaxDiscardBytes: 4096,
	})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.LessOrEqual(t, body.BytesRead(), 1024+4096)
	assert.Less(t, body.BytesRead(), len(data))
	assert.True(t, body.Closed())
}

func TestClientReusesConnections(t *testing.T) {
	for name, success := range map[string]bool{
		"fast_path":  true,
		"full_parse": false,
	} {
		t.Run(name, func(t *testing.T) {
			var conns atomic.Int64
			mux := http.NewServeMux()
			bulkdispatchertest.HandleBulk(mux, func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.Write(bulkResponse(1000, nil))
			})
			srv := httptest.NewUnstartedServer(mux)
			srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
				if state == http.StateNew {
					conns.Add(1)
				}
			}
			srv.Start()
			t.Cleanup(srv.Close)

			transport := &http.Transport{}
			t.Cleanup(transport.CloseIdleConnections)
			esClient, err := elasticsearch.NewClient(elasticsearch.Config{
				Addresses:    []string{srv.URL},
				DisableRetry: true,
				Transport:    transport,
			})
			require.NoError(t, err)
			client, err := bulkdispatcher.NewClient(esClient, bulkdispatcher.ClientConfig{
				SuccessFunc: func([]byte, int) bool { return success },
			})
			require.NoError(t, err)

			for i := 0; i < 10; i++ {
				result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
				require.NoError(t, err)
				if success {
					assert.Nil(t, result)
				} else {
					require.NotNil(t, result)
					assert.True(t, result.Succeeded())
				}
			}
			assert.Equal(t, int64(1), conns.Load())
		})
	}
}

func TestClientFullParseIncludesFragment(t *testing.T) {
	data := bulkResponse(1000, map[int]int{0: 400, 999: 500})
	body := bulkdispatchertest.NewBody(data)
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1000))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, len(data), body.BytesRead())
	assert.True(t, body.Closed())

	assert.False(t, result.Succeeded())
	assert.Equal(t, 1000, result.Items)
	assert.Equal(t, int64(12), result.Took)
	require.Len(t, result.FailedItems, 2)
	// The first item is only present in the inspected fragment.
	assert.Equal(t, "0", result.FailedItems[0].ID)
	assert.Equal(t, "failure_400: failed item 0", result.FailedItems[0].Detail())
	assert.Equal(t, "999", result.FailedItems[1].ID)
	assert.Equal(t, 500, result.FailedItems[1].Status)
	assert.Equal(t, int64(0), client.Stats().FastPath)
}

func TestClientRequestLevelError(t *testing.T) {
	body := bulkdispatchertest.NewBody([]byte(
		`{"error":{"root_cause":[],"type":"illegal_argument_exception","reason":"bad request"},"status":400}`,
	))
	client := newTestClient(t, respondWith(http.StatusBadRequest, "application/json", body), bulkdispatcher.ClientConfig{})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, http.StatusBadRequest, result.StatusCode)
	assert.Equal(t, "illegal_argument_exception: bad request", result.ErrorMessage)
	assert.False(t, result.Succeeded())
}

func TestClientNonJSONResponse(t *testing.T) {
	for _, statusCode := range []int{http.StatusOK, http.StatusBadGateway} {
		t.Run(strconv.Itoa(statusCode), func(t *testing.T) {
			body := bulkdispatchertest.NewBody([]byte("<html><body><h1>Bad Gateway</h1></body></html>"))
			client := newTestClient(t, respondWith(statusCode, "text/html", body), bulkdispatcher.ClientConfig{})

			result, err := client.Execute(context.Background(), newTestBatch(t, 1))
			assert.Nil(t, result)
			var transportErr *bulkdispatcher.TransportError
			require.ErrorAs(t, err, &transportErr)
			assert.Equal(t, "text/html", transportErr.ContentType)
			assert.Equal(t, fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)), transportErr.StatusLine)
			assert.EqualError(t, err, fmt.Sprintf(
				"request POST /_bulk yielded text/html, should be json: %d %s",
				statusCode, http.StatusText(statusCode),
			))
			var syntaxErr *bulkdispatcher.SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestClientSyntaxError(t *testing.T) {
	for name, data := range map[string]string{
		"truncated": `{"took":1,"errors":tru`,
		"invalid":   `{"took":1,"errors":false,"items":[}`,
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			body := bulkdispatchertest.NewBody([]byte(data))
			client := newTestClient(t, respondWith(http.StatusOK, "application/json; charset=UTF-8", body),
				bulkdispatcher.ClientConfig{SuccessFunc: func([]byte, int) bool { return false }},
			)
			result, err := client.Execute(context.Background(), newTestBatch(t, 1))
			assert.Nil(t, result)
			var syntaxErr *bulkdispatcher.SyntaxError
			require.ErrorAs(t, err, &syntaxErr)
			assert.Equal(t, http.StatusOK, syntaxErr.StatusCode)
			var transportErr *bulkdispatcher.TransportError
			assert.False(t, errors.As(err, &transportErr))
		})
	}
}

func TestClientTransportError(t *testing.T) {
	performErr := errors.New("connection refused")
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return nil, performErr
	}, bulkdispatcher.ClientConfig{})

	result, err := client.Execute(context.Background(), newTestBatch(t, 1))
	assert.Nil(t, result)
	var transportErr *bulkdispatcher.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, performErr)
	assert.Equal(t, "POST /_bulk", transportErr.Request)
	assert.Equal(t, int64(0), client.Stats().BytesFlushed)
}

func TestClientReadError(t *testing.T) {
	resetErr := errors.New("connection reset by peer")
	for _, statusCode := range []int{http.StatusOK, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(statusCode), func(t *testing.T) {
			body := bulkdispatchertest.NewFailingBody([]byte(`{"took":1,"errors":true,"items":[`), resetErr)
			client := newTestClient(t, respondWith(statusCode, "application/json", body), bulkdispatcher.ClientConfig{})

			result, err := client.Execute(context.Background(), newTestBatch(t, 1))
			assert.Nil(t, result)
			var transportErr *bulkdispatcher.TransportError
			require.ErrorAs(t, err, &transportErr)
			assert.ErrorIs(t, err, resetErr)
			var syntaxErr *bulkdispatcher.SyntaxError
			assert.False(t, errors.As(err, &syntaxErr))
		})
	}
}

func TestClientRequestEncoding(t *testing.T) {
	for name, level := range map[string]int{
		"uncompressed": gzip.NoCompression,
		"gzip":         gzip.BestSpeed,
	} {
		t.Run(name, func(t *testing.T) {
			var actions []bulkdispatchertest.Action
			var query string
			client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/_bulk", r.URL.Path)
				if level == gzip.NoCompression {
					assert.Empty(t, r.Header.Get("Content-Encoding"))
				} else {
					assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
				}
				query = r.URL.Query().Get("filter_path")
				var resp esutil.BulkIndexerResponse
				actions, resp = bulkdispatchertest.DecodeBulkRequest(r)
				rec := httptest.NewRecorder()
				bulkdispatchertest.WriteBulkResponse(rec, resp)
				return rec.Result(), nil
			}, bulkdispatcher.ClientConfig{CompressionLevel: level})

			b := bulkdispatcher.NewBatch(
				bulkdispatcher.Record{Index: "a", Body: []byte(`{"x":1}`)},
				bulkdispatcher.Record{
					Index:        "b",
					DocumentType: "_doc",
					DocumentID:   "id-1",
					Pipeline:     "my-pipeline",
					Body:         []byte(`{"x":"\"quoted\""}`),
				},
			)
			b.Seal()
			result, err := client.Execute(context.Background(), b)
			require.NoError(t, err)
			assert.Nil(t, result)

			assert.Equal(t, []bulkdispatchertest.Action{{
				Type:   "index",
				Index:  "a",
				Source: []byte(`{"x":1}`),
			}, {
				Type:         "index",
				Index:        "b",
				DocumentType: "_doc",
				ID:           "id-1",
				Pipeline:     "my-pipeline",
				Source:       []byte(`{"x":"\"quoted\""}`),
			}}, actions)
			assert.Contains(t, query, "errors")
			assert.Contains(t, query, "items.*.error.reason")

			stats := client.Stats()
			if level == gzip.NoCompression {
				assert.Equal(t, stats.BytesFlushed, stats.BytesUncompressedFlushed)
			} else {
				assert.NotEqual(t, stats.BytesFlushed, stats.BytesUncompressedFlushed)
			}
		})
	}
}

func TestClientEmptyBatch(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		t.Fatal("unexpected request")
		return nil, nil
	}, bulkdispatcher.ClientConfig{})
	result, err := client.Execute(context.Background(), bulkdispatcher.NewBatch())
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestClientResponseCharset(t *testing.T) {
	t.Run("utf-16le_fast_path", func(t *testing.T) {
		data, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes(bulkResponse(100, nil))
		require.NoError(t, err)
		body := bulkdispatchertest.NewBody(data)
		client := newTestClient(t, respondWith(http.StatusOK, "application/json; charset=utf-16le", body), bulkdispatcher.ClientConfig{})

		result, err := client.Execute(context.Background(), newTestBatch(t, 100))
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Equal(t, len(data), body.BytesRead())
	})
	t.Run("latin1_full_parse", func(t *testing.T) {
		data, err := charmap.Windows1252.NewEncoder().Bytes([]byte(
			`{"took":1,"errors":true,"items":[{"index":{"_id":"1","status":400,"error":{"type":"t","reason":"café"}}}]}`,
		))
		require.NoError(t, err)
		body := bulkdispatchertest.NewBody(data)
		client := newTestClient(t, respondWith(http.StatusOK, "application/json; charset=ISO-8859-1", body), bulkdispatcher.ClientConfig{})

		result, err := client.Execute(context.Background(), newTestBatch(t, 1))
		require.NoError(t, err)
		require.NotNil(t, result)
		require.Len(t, result.FailedItems, 1)
		assert.Equal(t, "café", result.FailedItems[0].ErrorReason)
	})
	t.Run("unsupported_charset", func(t *testing.T) {
		body := bulkdispatchertest.NewBody(bulkResponse(1, nil))
		client := newTestClient(t, respondWith(http.StatusOK, "application/json; charset=x-unknown", body), bulkdispatcher.ClientConfig{})

		result, err := client.Execute(context.Background(), newTestBatch(t, 1))
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Succeeded())
	})
}

func TestClientSuccessFunc(t *testing.T) {
	var fragments [][]byte
	body := bulkdispatchertest.NewBody(bulkResponse(100, nil))
	client := newTestClient(t, respondWith(http.StatusOK, "application/json", body), bulkdispatcher.ClientConfig{
		FragmentSize: 16,
		SuccessFunc: func(fragment []byte, statusCode int) bool {
			fragments = append(fragments, append([]byte{}, fragment...))
			return false
		},
	})

	result, err := client.Execute(context.Background(), newTestBatch(t, 100))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 100, result.Items)
	assert.Equal(t, [][]byte{[]byte(`{"took":12,"erro`)}, fragments)
}

func TestClientExecuteAsync(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       bulkdispatchertest.NewBody(bulkResponse(1, nil)),
		}, nil
	}, bulkdispatcher.ClientConfig{MaxAsyncRequests: 2})

	const N = 10
	var mu sync.Mutex
	calls := 0
	for i := 0; i < N; i++ {
		err := client.ExecuteAsync(context.Background(), newTestBatch(t, 1), func(result *bulkdispatcher.BulkResult, err error) {
			assert.NoError(t, err)
			assert.Nil(t, result)
			mu.Lock()
			calls++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	require.NoError(t, client.Close())
	assert.Equal(t, N, calls)
	assert.Equal(t, int64(N), client.Stats().FastPath)
}

func TestClientExecuteAsyncContextDone(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		<-release
		return nil, errors.New("closed")
	}, bulkdispatcher.ClientConfig{MaxAsyncRequests: 1})

	var calls int
	var mu sync.Mutex
	fn := func(result *bulkdispatcher.BulkResult, err error) {
		assert.Error(t, err)
		mu.Lock()
		calls++
		mu.Unlock()
	}
	require.NoError(t, client.ExecuteAsync(context.Background(), newTestBatch(t, 1), fn))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.ExecuteAsync(ctx, newTestBatch(t, 1), fn)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, client.Close())
	assert.Equal(t, 1, calls)
}

func TestClientMockElasticsearch(t *testing.T) {
	var mu sync.Mutex
	var received []bulkdispatchertest.Action
	esClient := bulkdispatchertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := bulkdispatchertest.DecodeBulkRequest(r)
		mu.Lock()
		received = append(received, actions...)
		mu.Unlock()
		bulkdispatchertest.WriteBulkResponse(w, result)
	})
	client, err := bulkdispatcher.NewClient(esClient, bulkdispatcher.ClientConfig{
		CompressionLevel: gzip.DefaultCompression,
	})
	require.NoError(t, err)

	result, err := client.Execute(context.Background(), newTestBatch(t, 50))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Len(t, received, 50)
	assert.Equal(t, "49", received[49].ID)
}
