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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const bulkRequestLine = "POST /_bulk"

// bulkFilterPath keeps the response fields needed to classify the outcome.
// "took" and "errors" must stay ahead of "items" for the fast path.
var bulkFilterPath = []string{
	"took",
	"errors",
	"error",
	"items.*._id",
	"items.*._index",
	"items.*.status",
	"items.*.error.type",
	"items.*.error.reason",
}

// Executor executes a sealed batch as a single bulk request.
//
// A nil result with a nil error means every item was indexed and no detail
// is available.
type Executor interface {
	Execute(ctx context.Context, b *Batch) (*BulkResult, error)
}

// Client executes bulk requests against Elasticsearch.
//
// Responses to fully successful requests are recognised from their leading
// fragment. Their remainder is discarded without being decoded, so that the
// connection can be reused.
type Client struct {
	transport elastictransport.Interface
	config    ClientConfig
	metrics   clientMetrics
	buffers   sync.Pool

	bulkRequests             atomic.Int64
	fastPath                 atomic.Int64
	bytesFlushed             atomic.Int64
	bytesUncompressedFlushed atomic.Int64

	asyncMu  sync.Mutex
	asyncSem *semaphore.Weighted
	async    errgroup.Group
}

// ClientStats holds cumulative request statistics of a Client.
type ClientStats struct {
	// BulkRequests holds the number of bulk requests sent.
	BulkRequests int64

	// FastPath holds the number of responses accepted from their leading
	// fragment.
	FastPath int64

	// BytesFlushed holds the number of request body bytes sent, after
	// compression.
	BytesFlushed int64

	// BytesUncompressedFlushed holds the number of request body bytes
	// sent, before compression.
	BytesUncompressedFlushed int64
}

// NewClient returns a Client sending bulk requests through transport,
// typically an *elasticsearch.Client.
func NewClient(transport elastictransport.Interface, cfg ClientConfig) (*Client, error) {
	if transport == nil {
		return nil, ErrClientMissing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = defaultClientConfig(cfg)
	ms, err := newClientMetrics(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		transport: transport,
		config:    cfg,
		metrics:   ms,
	}
	c.buffers.New = func() any {
		rb := &requestBuffer{}
		if cfg.CompressionLevel != gzip.NoCompression {
			rb.gzipw, _ = gzip.NewWriterLevel(&rb.buf, cfg.CompressionLevel)
		}
		return rb
	}
	return c, nil
}

// Stats returns the client statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		BulkRequests:             c.bulkRequests.Load(),
		FastPath:                 c.fastPath.Load(),
		BytesFlushed:             c.bytesFlushed.Load(),
		BytesUncompressedFlushed: c.bytesUncompressedFlushed.Load(),
	}
}

// Execute sends b as a single bulk request and classifies the response.
//
// It returns (nil, nil) when the response is known to be a complete success
// without decoding it. Otherwise the decoded result is returned, which may
// hold failed items or a request level error for non-2xx responses.
// Errors are *TransportError when the request or response could not be
// transferred or the response was not JSON, and *SyntaxError when a JSON
// response could not be decoded.
func (c *Client) Execute(ctx context.Context, b *Batch) (*BulkResult, error) {
	if b.Rows() == 0 {
		return nil, nil
	}
	rb := c.buffers.Get().(*requestBuffer)
	defer c.buffers.Put(rb)
	uncompressed, err := rb.encode(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bulk request: %w", err)
	}

	req := esapi.BulkRequest{
		Body:       bytes.NewReader(rb.buf.Bytes()),
		Header:     make(http.Header),
		FilterPath: bulkFilterPath,
	}
	if rb.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	attrs := metric.WithAttributeSet(c.config.MetricAttributes)
	start := time.Now()
	defer func() {
		c.metrics.flushDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
	}()

	c.config.Logger.Debug("sending bulk request",
		zap.Int("documents", b.Rows()),
		zap.Int("bytes", rb.buf.Len()),
	)
	c.bulkRequests.Add(1)
	res, err := req.Do(ctx, c.transport)
	if err != nil {
		return nil, &TransportError{Request: bulkRequestLine, Err: err}
	}
	body := res.Body
	if body == nil {
		body = http.NoBody
	}
	defer c.closeBody(body)

	// Only count bytes once the request has been sent.
	c.bytesFlushed.Add(int64(rb.buf.Len()))
	c.bytesUncompressedFlushed.Add(uncompressed)
	c.metrics.bytesTotal.Add(context.Background(), int64(rb.buf.Len()), attrs)

	result, err := c.readResponse(res.StatusCode, res.Header, body)
	if err == nil && result == nil {
		c.fastPath.Add(1)
		c.metrics.fastPath.Add(context.Background(), 1, attrs)
		c.config.Logger.Debug("bulk request succeeded", zap.Int("documents", b.Rows()))
	}
	return result, err
}

// readResponse implements the fast path: a 200 response whose leading
// fragment proves success is not decoded, and its remainder is left for
// closeBody to discard. Otherwise the fragment is put back in front of the
// unread body and the whole response is decoded.
func (c *Client) readResponse(statusCode int, header http.Header, body io.Reader) (*BulkResult, error) {
	enc, encErr := responseEncoding(header)
	var fragment []byte
	if statusCode == http.StatusOK && encErr == nil {
		buf := make([]byte, c.config.FragmentSize)
		n, err := io.ReadFull(body, buf)
		fragment = buf[:n]
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, &TransportError{
				Request: bulkRequestLine,
				Err:     fmt.Errorf("failed to read response: %w", err),
			}
		}
		if c.isSuccess(enc, fragment, statusCode) {
			return nil, nil
		}
	}

	tracked := &trackingReader{r: io.MultiReader(bytes.NewReader(fragment), body)}
	var src io.Reader = tracked
	if enc != nil {
		src = transform.NewReader(tracked, enc.NewDecoder())
	}
	result := BulkResult{StatusCode: statusCode}
	iter := jsoniter.Parse(jsoniter.ConfigDefault, src, 4096)
	iter.ReadVal(&result)
	if err := iter.Error; err != nil {
		if err == io.EOF {
			// The iterator reports a truncated document as io.EOF.
			err = io.ErrUnexpectedEOF
		}
		if tracked.err != nil {
			return nil, &TransportError{
				Request: bulkRequestLine,
				Err:     fmt.Errorf("failed to read response: %w", tracked.err),
			}
		}
		syntaxErr := &SyntaxError{StatusCode: statusCode, Err: err}
		for _, contentType := range header.Values("Content-Type") {
			if !isJSONContentType(contentType) {
				// Most likely a proxy responding with HTML.
				return nil, &TransportError{
					Request:     bulkRequestLine,
					ContentType: contentType,
					StatusLine:  statusLine(statusCode),
					Err:         syntaxErr,
				}
			}
		}
		return nil, syntaxErr
	}
	return &result, nil
}

// closeBody discards up to MaxDiscardBytes of unread response body before
// closing it. The transport only reuses connections whose response body was
// read to EOF.
func (c *Client) closeBody(body io.ReadCloser) {
	if c.config.MaxDiscardBytes > 0 {
		if _, err := io.Copy(io.Discard, io.LimitReader(body, c.config.MaxDiscardBytes)); err != nil {
			c.config.Logger.Debug("failed to discard bulk response", zap.Error(err))
		}
	}
	if err := body.Close(); err != nil {
		c.config.Logger.Debug("failed to close bulk response", zap.Error(err))
	}
}

func (c *Client) isSuccess(enc encoding.Encoding, fragment []byte, statusCode int) bool {
	if enc != nil {
		// A multi-byte sequence cut at the fragment boundary fails to
		// decode; the decoded prefix is still usable.
		fragment, _, _ = transform.Bytes(enc.NewDecoder(), fragment)
	}
	if len(bytes.TrimSpace(fragment)) == 0 {
		return false
	}
	return c.config.SuccessFunc(fragment, statusCode)
}

// ExecuteAsync executes b in a background goroutine and calls fn with the
// outcome, exactly once. The outcome is classified as in Execute; fn is
// called with (nil, nil) when the response was accepted from its fragment.
//
// ExecuteAsync blocks while MaxAsyncRequests requests are in flight, and
// returns ctx.Err() if ctx is done before the request could be started.
func (c *Client) ExecuteAsync(ctx context.Context, b *Batch, fn func(*BulkResult, error)) error {
	sem := c.startAsync()
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.async.Go(func() error {
		defer sem.Release(1)
		fn(c.Execute(ctx, b))
		return nil
	})
	return nil
}

// startAsync lazily sets up the async request limiter. It is safe to call
// concurrently and only the first call has an effect.
func (c *Client) startAsync() *semaphore.Weighted {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if c.asyncSem == nil {
		c.asyncSem = semaphore.NewWeighted(int64(c.config.MaxAsyncRequests))
	}
	return c.asyncSem
}

// Close waits for requests started by ExecuteAsync to complete. It must
// not be called concurrently with ExecuteAsync.
func (c *Client) Close() error {
	return c.async.Wait()
}

type requestBuffer struct {
	buf   bytes.Buffer
	gzipw *gzip.Writer
	jsonw fastjson.Writer
}

// encode writes b to the buffer, compressing it when configured, and
// returns the uncompressed size.
func (rb *requestBuffer) encode(b *Batch) (int64, error) {
	rb.buf.Reset()
	var w io.Writer = &rb.buf
	if rb.gzipw != nil {
		rb.gzipw.Reset(&rb.buf)
		w = rb.gzipw
	}
	n, err := b.writeTo(w, &rb.jsonw)
	if err != nil {
		return n, err
	}
	if rb.gzipw != nil {
		if err := rb.gzipw.Close(); err != nil {
			return n, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}
	return n, nil
}

// trackingReader records the first read error other than io.EOF, so that
// decoding failures caused by the connection can be told apart from
// malformed responses.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// responseEncoding returns the declared charset of a response, or nil for
// UTF-8 and undeclared charsets. An unsupported charset is an error.
func responseEncoding(header http.Header) (encoding.Encoding, error) {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return nil, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["charset"] == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(params["charset"])
	if err != nil {
		return nil, fmt.Errorf("unsupported response charset %q: %w", params["charset"], err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(contentType, "application/json")
	}
	// Elasticsearch answers compatibility mode requests with
	// application/vnd.elasticsearch+json.
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func statusLine(statusCode int) string {
	return fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode))
}
