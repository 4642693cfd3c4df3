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
	"fmt"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultConcurrency         = 1
	defaultQueueSizeMultiplier = 10
	defaultEnqueueTimeout      = 100 * time.Millisecond
	defaultFlushRows           = 5000
	defaultShutdownTimeout     = 10 * time.Second

	defaultFragmentSize     = 1024
	defaultMaxAsyncRequests = 10
	defaultMaxDiscardBytes  = 4 << 20
)

// Config holds configuration for Processor.
//
// All values are read once by New; changing them afterwards has no effect.
type Config struct {
	// Name identifies the processor in log messages.
	//
	// If Name is empty, "bulkdispatcher" will be used.
	Name string

	// Logger holds an optional Logger to use for logging bulk requests.
	//
	// Consecutive failures are logged with decaying severity, so the logger
	// does not need to be rate limited.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each bulk
	// request is traced as a span.
	//
	// If TracerProvider is nil, requests will not be traced with OTel.
	TracerProvider trace.TracerProvider

	// Concurrency holds the number of sender goroutines, and so the maximum
	// number of bulk requests in flight.
	//
	// If Concurrency is less than or equal to zero, the default of 1 will be used.
	Concurrency int

	// QueueSizeMultiplier sets the capacity of the dispatch queue as a
	// multiple of Concurrency.
	//
	// If QueueSizeMultiplier is less than or equal to zero, the default of
	// 10 will be used.
	QueueSizeMultiplier int

	// EnqueueTimeout holds the maximum amount of time Flush waits for room
	// in a full dispatch queue before dropping the sealed batch.
	//
	// If EnqueueTimeout is zero, the default of 100ms will be used.
	EnqueueTimeout time.Duration

	// FlushRows holds the number of records after which the open batch is
	// sealed and dispatched by Add.
	//
	// If FlushRows is zero, the default of 5000 will be used. If FlushRows
	// is negative, batches are only sealed by Flush.
	FlushRows int

	// ShutdownTimeout holds the maximum amount of time Deinit waits for
	// the sender goroutines to exit.
	//
	// If ShutdownTimeout is zero, the default of 10 seconds will be used.
	ShutdownTimeout time.Duration

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record dispatcher metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Name == "" {
		cfg.Name = "bulkdispatcher"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.QueueSizeMultiplier <= 0 {
		cfg.QueueSizeMultiplier = defaultQueueSizeMultiplier
	}
	if cfg.EnqueueTimeout == 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.FlushRows == 0 {
		cfg.FlushRows = defaultFlushRows
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg
}

// Validate checks the configuration after defaults are applied.
func (cfg Config) Validate() error {
	if cfg.EnqueueTimeout < 0 {
		return fmt.Errorf("expected EnqueueTimeout >= 0, got %s", cfg.EnqueueTimeout)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("expected ShutdownTimeout >= 0, got %s", cfg.ShutdownTimeout)
	}
	return nil
}

// queueCapacity returns the number of sealed batches the dispatch queue
// holds before applying backpressure.
func (cfg Config) queueCapacity() int {
	return cfg.Concurrency * cfg.QueueSizeMultiplier
}

// ClientConfig holds configuration for Client.
type ClientConfig struct {
	// Logger holds an optional Logger for request level debug logging.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FragmentSize holds the number of leading response bytes inspected
	// before deciding whether a 200 response needs to be decoded.
	//
	// If FragmentSize is less than or equal to zero, the default of 1024 will be used.
	FragmentSize int

	// SuccessFunc reports whether a response is a complete success given
	// its status code and leading fragment. Returning true skips decoding
	// the response body.
	//
	// If SuccessFunc is nil, IsBulkSuccess will be used.
	SuccessFunc func(fragment []byte, statusCode int) bool

	// MaxDiscardBytes holds the maximum number of unread response bytes,
	// such as the remainder of a response accepted from its fragment, that
	// are read and discarded before the response is closed. Responses with
	// a larger remainder close their connection instead of returning it to
	// the transport for reuse.
	//
	// If MaxDiscardBytes is zero, the default of 4MiB will be used. If
	// MaxDiscardBytes is negative, unread bytes are never read.
	MaxDiscardBytes int64

	// MaxAsyncRequests holds the maximum number of ExecuteAsync requests
	// in flight. Further calls block until a request completes.
	//
	// If MaxAsyncRequests is less than or equal to zero, the default of 10 will be used.
	MaxAsyncRequests int

	// MeterProvider holds the OTel MeterProvider used to record request
	// metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// Validate checks the client configuration.
func (cfg ClientConfig) Validate() error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

func defaultClientConfig(cfg ClientConfig) ClientConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = defaultFragmentSize
	}
	if cfg.SuccessFunc == nil {
		cfg.SuccessFunc = IsBulkSuccess
	}
	if cfg.MaxAsyncRequests <= 0 {
		cfg.MaxAsyncRequests = defaultMaxAsyncRequests
	}
	if cfg.MaxDiscardBytes == 0 {
		cfg.MaxDiscardBytes = defaultMaxDiscardBytes
	}
	return cfg
}
