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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lifecycle is implemented by output processors driven by a host pipeline.
type Lifecycle interface {
	// Init starts the processor.
	Init() error
	// Flush seals the pending batch and schedules it for sending. It
	// reports whether there was a pending batch.
	Flush() bool
	// Deinit stops the processor.
	Deinit()
}

var _ Lifecycle = (*Processor)(nil)

// State is the lifecycle state of a Processor.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Processor batches records into bulk requests and dispatches them to a
// fixed pool of sender goroutines.
//
// Records are appended to a single open batch by Add. Flush seals the batch
// and offers it to a bounded dispatch queue; if the queue stays full for
// Config.EnqueueTimeout the batch is dropped. Senders execute batches with
// the configured Executor and drop batches that fail, so the only effect of
// a sustained failure is a growing dropped count in Stats.
//
// Add and Flush must be called by a single producer goroutine, or be
// externally synchronised with each other.
type Processor struct {
	added            atomic.Int64
	batchesSealed    atomic.Int64
	batchesEnqueued  atomic.Int64
	bulkRequests     atomic.Int64
	batchesProcessed atomic.Int64
	rowsProcessed    atomic.Int64
	batchesDropped   atomic.Int64
	rowsDropped      atomic.Int64
	queueFullDrops   atomic.Int64
	fastPath         atomic.Int64
	workersActive    atomic.Int64

	config   Config
	executor Executor
	acc      accumulator
	queue    *dispatchQueue
	metrics  metrics

	// tracer is an OTel tracer, and should not be confused with
	// `p.config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer

	// mu serialises lifecycle transitions.
	mu      sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// Stats holds cumulative statistics of a Processor.
type Stats struct {
	// Added holds the number of records accepted by Add.
	Added int64

	// BatchesSealed holds the number of batches sealed by Flush.
	BatchesSealed int64

	// BatchesEnqueued holds the number of sealed batches accepted by the
	// dispatch queue.
	BatchesEnqueued int64

	// BulkRequests holds the number of bulk requests started by senders.
	BulkRequests int64

	// BatchesProcessed holds the number of batches indexed successfully.
	BatchesProcessed int64

	// RowsProcessed holds the number of records in processed batches.
	RowsProcessed int64

	// BatchesDropped holds the number of batches dropped for any reason.
	BatchesDropped int64

	// RowsDropped holds the number of records in dropped batches.
	RowsDropped int64

	// BatchesDroppedQueueFull holds the number of batches dropped because
	// the dispatch queue stayed full.
	BatchesDroppedQueueFull int64

	// FastPath holds the number of processed batches whose response was
	// accepted without decoding it.
	FastPath int64

	// QueueLength and QueueCapacity hold the current number of queued
	// batches and the queue capacity.
	QueueLength   int
	QueueCapacity int

	// WorkersActive holds the number of running sender goroutines.
	WorkersActive int64

	// State holds the lifecycle state.
	State State
}

// New returns a new Processor sending batches with executor, typically a
// *Client. Senders are started by Init.
func New(executor Executor, cfg Config) (*Processor, error) {
	if c, ok := executor.(*Client); ok && c == nil {
		executor = nil
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		config:   cfg,
		executor: executor,
		metrics:  ms,
	}
	p.queue = newDispatchQueue(cfg.queueCapacity(), cfg.EnqueueTimeout,
		cfg.Logger.With(zap.String("processor", cfg.Name)),
		func(b *Batch) { p.recordDropped(b, dropReasonQueueFull) },
	)
	if cfg.TracerProvider != nil {
		p.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-bulkdispatcher")
	}
	return p, nil
}

// Init starts Config.Concurrency sender goroutines.
//
// Init returns ErrClientMissing if the Processor has no Executor. Calling
// Init on a running Processor logs an error and has no other effect. A
// stopped Processor may be started again once all senders of the previous
// run have returned; until then Init returns ErrSendersRunning.
func (p *Processor) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.executor == nil {
		p.config.Logger.Error("no client configured", zap.String("processor", p.config.Name))
		return ErrClientMissing
	}
	if p.State() == StateRunning {
		p.config.Logger.Error("processor already initialised, ignoring",
			zap.String("processor", p.config.Name),
			zap.Int64("workers", p.workersActive.Load()),
		)
		return nil
	}
	if n := p.workersActive.Load(); n > 0 {
		p.config.Logger.Error("bulk senders of a previous run still running, refusing to start",
			zap.String("processor", p.config.Name),
			zap.Int64("workers", n),
		)
		return ErrSendersRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers := &errgroup.Group{}
	for i := 0; i < p.config.Concurrency; i++ {
		w := &worker{
			p: p,
			logger: p.config.Logger.With(
				zap.String("sender", fmt.Sprintf("%s-sender-%d", p.config.Name, i)),
			),
		}
		p.workersActive.Add(1)
		workers.Go(func() error {
			defer p.workersActive.Add(-1)
			w.run(ctx)
			return nil
		})
	}
	p.cancel = cancel
	p.workers = workers
	p.state.Store(int32(StateRunning))
	p.config.Logger.Info("started bulk senders",
		zap.String("processor", p.config.Name),
		zap.Int("workers", p.config.Concurrency),
		zap.Int("queue_capacity", p.queue.cap()),
	)
	return nil
}

// Add validates r and appends it to the open batch, opening one if needed.
// When the batch reaches Config.FlushRows records it is flushed.
func (p *Processor) Add(r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, rows := p.acc.add(r)
	p.added.Add(1)
	p.metrics.docsAdded.Add(context.Background(), 1,
		metric.WithAttributeSet(p.config.MetricAttributes),
	)
	if p.config.FlushRows > 0 && rows >= p.config.FlushRows {
		p.Flush()
	}
	return nil
}

// Flush seals the open batch and offers it to the dispatch queue. It
// returns false if no batch was open.
//
// A batch the queue did not accept within Config.EnqueueTimeout is dropped
// and counted; Flush still returns true.
func (p *Processor) Flush() bool {
	var flushed bool
	p.acc.sealAndHandOff(func(b *Batch) bool {
		flushed = true
		p.batchesSealed.Add(1)
		if !p.queue.offer(b) {
			return false
		}
		p.batchesEnqueued.Add(1)
		return true
	})
	return flushed
}

// Deinit stops the sender goroutines, waiting up to Config.ShutdownTimeout
// for requests in flight to complete. Batches still queued are kept and sent
// after a later Init.
func (p *Processor) Deinit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateRunning {
		return
	}
	p.state.Store(int32(StateShuttingDown))
	p.cancel()

	workers := p.workers
	done := make(chan struct{})
	go func() {
		defer close(done)
		workers.Wait()
	}()
	timer := time.NewTimer(p.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.config.Logger.Warn("timed out waiting for bulk senders to stop",
			zap.String("processor", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
			zap.Int64("workers", p.workersActive.Load()),
		)
	}
	p.cancel = nil
	p.workers = nil
	p.state.Store(int32(StateStopped))
}

// State returns the lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Stats returns the processor statistics.
func (p *Processor) Stats() Stats {
	return Stats{
		Added:                   p.added.Load(),
		BatchesSealed:           p.batchesSealed.Load(),
		BatchesEnqueued:         p.batchesEnqueued.Load(),
		BulkRequests:            p.bulkRequests.Load(),
		BatchesProcessed:        p.batchesProcessed.Load(),
		RowsProcessed:           p.rowsProcessed.Load(),
		BatchesDropped:          p.batchesDropped.Load(),
		RowsDropped:             p.rowsDropped.Load(),
		BatchesDroppedQueueFull: p.queueFullDrops.Load(),
		FastPath:                p.fastPath.Load(),
		QueueLength:             p.queue.len(),
		QueueCapacity:           p.queue.cap(),
		WorkersActive:           p.workersActive.Load(),
		State:                   p.State(),
	}
}

// PendingRows returns the number of records in the open batch.
func (p *Processor) PendingRows() int {
	return p.acc.rows()
}

func (p *Processor) recordBulkRequest() {
	p.bulkRequests.Add(1)
	p.metrics.bulkRequests.Add(context.Background(), 1,
		metric.WithAttributeSet(p.config.MetricAttributes),
	)
}

func (p *Processor) recordProcessed(b *Batch, fastPath bool) {
	// Batch counters are updated last, so that they never run ahead of
	// the row counters.
	p.rowsProcessed.Add(int64(b.Rows()))
	if fastPath {
		p.fastPath.Add(1)
	}
	p.batchesProcessed.Add(1)
	p.metrics.docsProcessed.Add(context.Background(), int64(b.Rows()),
		metric.WithAttributeSet(p.config.MetricAttributes),
	)
}

// recordDropped counts b as dropped. statusCode is the HTTP status of the
// bulk response, if there was one.
func (p *Processor) recordDropped(b *Batch, reason string, statusCode ...int) {
	p.rowsDropped.Add(int64(b.Rows()))
	if reason == dropReasonQueueFull {
		p.queueFullDrops.Add(1)
	}
	p.batchesDropped.Add(1)
	attrs := []attribute.KeyValue{attribute.String("reason", reason)}
	if len(statusCode) > 0 {
		attrs = append(attrs, semconv.HTTPResponseStatusCode(statusCode[0]))
	}
	p.metrics.batchesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attrs...),
		metric.WithAttributeSet(p.config.MetricAttributes),
	)
	p.metrics.docsDropped.Add(context.Background(), int64(b.Rows()),
		metric.WithAttributes(attrs...),
		metric.WithAttributeSet(p.config.MetricAttributes),
	)
}

// tracingEnabled checks whether we should be doing tracing
// using APM tracer.
func (p *Processor) tracingEnabled() bool {
	tracer := p.config.Tracer
	return tracer != nil && tracer.Recording()
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (p *Processor) otelTracingEnabled() bool {
	return p.tracer != nil
}
