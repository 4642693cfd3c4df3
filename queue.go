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
	"sync"
	"time"

	"go.uber.org/zap"
)

// dispatchQueue is the bounded hand-off between the accumulator and the
// sender goroutines. Offers that cannot be satisfied within the timeout
// drop the batch.
//
// Continuous backpressure is expected under load, so only the first drop of
// a streak is logged as a warning. The streak is summarised once an offer
// succeeds again.
type dispatchQueue struct {
	batches chan *Batch
	timeout time.Duration
	logger  *zap.Logger
	onDrop  func(*Batch)

	mu          sync.Mutex
	failed      int
	failedSince time.Time
}

func newDispatchQueue(capacity int, timeout time.Duration, logger *zap.Logger, onDrop func(*Batch)) *dispatchQueue {
	if onDrop == nil {
		onDrop = func(*Batch) {}
	}
	return &dispatchQueue{
		batches: make(chan *Batch, capacity),
		timeout: timeout,
		logger:  logger,
		onDrop:  onDrop,
	}
}

// offer enqueues b, waiting up to the queue timeout for room. It reports
// whether b was enqueued; a batch that was not enqueued has been dropped.
func (q *dispatchQueue) offer(b *Batch) bool {
	enqueued := q.enqueue(b)

	q.mu.Lock()
	defer q.mu.Unlock()
	if enqueued {
		if q.failed > 0 {
			q.logger.Info("dispatch queue accepting bulk requests again",
				zap.Int("failed_attempts", q.failed),
				zap.Duration("since", time.Since(q.failedSince)),
			)
			q.failed = 0
			q.failedSince = time.Time{}
		}
		return true
	}

	fields := []zap.Field{
		zap.Duration("timeout", q.timeout),
		zap.Int("queue_capacity", cap(q.batches)),
		zap.Int("rows", b.Rows()),
	}
	if q.failed == 0 {
		q.failedSince = time.Now()
		q.logger.Warn("timed out scheduling bulk request, dropping batch; "+
			"consider increasing concurrency or Elasticsearch capacity", fields...)
	} else {
		q.logger.Debug("timed out scheduling bulk request, dropping batch", fields...)
	}
	q.failed++
	q.onDrop(b)
	return false
}

func (q *dispatchQueue) enqueue(b *Batch) bool {
	select {
	case q.batches <- b:
		return true
	default:
	}
	if q.timeout <= 0 {
		return false
	}
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.batches <- b:
		return true
	case <-timer.C:
		return false
	}
}

// receive returns the channel senders dequeue batches from.
func (q *dispatchQueue) receive() <-chan *Batch {
	return q.batches
}

func (q *dispatchQueue) len() int {
	return len(q.batches)
}

func (q *dispatchQueue) cap() int {
	return cap(q.batches)
}
