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
	"errors"
	"strings"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Consecutive executor errors up to this count are logged at ERROR.
	exceptionErrorLogLimit = 3
	// Consecutive executor errors below this count are logged at INFO,
	// the rest at DEBUG.
	exceptionInfoLogLimit = 20
	// Consecutive failed bulk responses up to this count are logged at WARN.
	httpErrorWarnLogLimit = 3
)

var errSendInterrupted = errors.New("bulk request interrupted")

// worker is a single sender goroutine. Its counters are only touched by the
// goroutine running it.
type worker struct {
	p      *Processor
	logger *zap.Logger

	// exceptions counts consecutive executor errors.
	exceptions int
	// httpErrors counts consecutive bulk responses with failures.
	httpErrors int
}

// run dequeues and sends batches until ctx is done. A request in flight
// when ctx is done runs to completion.
func (w *worker) run(ctx context.Context) {
	w.logger.Debug("bulk sender started")
	defer w.logger.Debug("bulk sender stopped")
	sendCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case b := <-w.p.queue.receive():
			w.process(sendCtx, b)
		}
	}
}

// process sends b and classifies the outcome. Panics are logged and the
// batch is counted as dropped if its outcome was not yet recorded.
func (w *worker) process(ctx context.Context, b *Batch) {
	var recorded bool
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("unexpected failure sending bulk request",
				zap.Any("panic", r),
				zap.Int("rows", b.Rows()),
				zap.Stack("stacktrace"),
			)
			if !recorded {
				w.p.recordDropped(b, dropReasonInternal)
			}
		}
	}()
	w.send(ctx, b, &recorded)
}

func (w *worker) send(ctx context.Context, b *Batch, recorded *bool) {
	outcome := errSendInterrupted
	ctx, logger, finish := w.p.startTrace(ctx, b, w.logger)
	defer func() { finish(outcome) }()

	w.p.recordBulkRequest()
	result, err := w.p.executor.Execute(ctx, b)
	if err != nil {
		*recorded = true
		w.p.recordDropped(b, dropReasonTransport)
		w.onExecuteError(logger, b, err)
		outcome = err
		return
	}
	w.exceptions = 0

	if result != nil && !result.Succeeded() {
		*recorded = true
		w.p.recordDropped(b, dropReasonIndexing, result.StatusCode)
		w.onFailedResponse(logger, b, result)
		outcome = errors.New(result.Summary())
		return
	}

	*recorded = true
	w.p.recordProcessed(b, result == nil)
	logger.Debug("bulk request completed",
		zap.Int("rows", b.Rows()),
		zap.Bool("fast_path", result == nil),
	)
	if w.httpErrors > 0 {
		logger.Warn("bulk requests succeeding again",
			zap.Int("failed_requests", w.httpErrors),
		)
		w.httpErrors = 0
	}
	outcome = nil
}

// onExecuteError logs a failed request with decaying severity, so that a
// long outage does not flood the log.
func (w *worker) onExecuteError(logger *zap.Logger, b *Batch, err error) {
	w.exceptions++
	const msg = "bulk request failed, dropping batch"
	switch {
	case w.exceptions <= exceptionErrorLogLimit:
		logger.Error(msg,
			zap.Error(err),
			zap.Int("rows", b.Rows()),
			zap.Int("consecutive_failures", w.exceptions),
		)
	case w.exceptions < exceptionInfoLogLimit:
		logger.Info(msg,
			zap.String("error", err.Error()),
			zap.Int("rows", b.Rows()),
			zap.Int("consecutive_failures", w.exceptions),
		)
	default:
		logger.Debug(msg,
			zap.String("error", err.Error()),
			zap.Int("consecutive_failures", w.exceptions),
		)
	}
}

func (w *worker) onFailedResponse(logger *zap.Logger, b *Batch, result *BulkResult) {
	w.httpErrors++
	level := zapcore.WarnLevel
	if w.httpErrors > httpErrorWarnLogLimit {
		level = zapcore.DebugLevel
	}
	ce := logger.Check(level, result.Summary()+", dropping batch")
	if ce == nil {
		return
	}
	ce.Write(
		zap.Int("status", result.StatusCode),
		zap.Int("rows", b.Rows()),
		zap.Int("consecutive_failures", w.httpErrors),
		zap.String("failed_items", failedItemsDetail(result.FailedItems)),
	)
}

// failedItemsDetail formats failed items as "id=error" lines.
func failedItemsDetail(items []FailedItem) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(item.Identifier())
		sb.WriteByte('=')
		sb.WriteString(item.Detail())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// startTrace starts an APM transaction and an OTel span for a bulk request,
// if tracing is configured. It returns the traced context, a logger carrying
// the trace IDs and a function ending the trace with the request outcome.
func (p *Processor) startTrace(ctx context.Context, b *Batch, logger *zap.Logger) (context.Context, *zap.Logger, func(error)) {
	var tx *apm.Transaction
	if p.tracingEnabled() {
		tx = p.config.Tracer.StartTransaction("bulkdispatcher.flush", "output")
		tx.Context.SetLabel("documents", b.Rows())
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if p.otelTracingEnabled() {
		ctx, span = p.tracer.Start(ctx, "bulkdispatcher.flush", trace.WithAttributes(
			attribute.Int("documents", b.Rows()),
		))
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	return ctx, logger, func(err error) {
		if tx != nil {
			if err != nil {
				tx.Outcome = "failure"
				apm.CaptureError(ctx, err).Send()
			} else {
				tx.Outcome = "success"
			}
			tx.End()
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "bulk request failed")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}
	}
}
