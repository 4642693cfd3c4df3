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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Drop reasons recorded in the "reason" attribute of the dropped metrics.
const (
	dropReasonQueueFull = "queue_full"
	dropReasonTransport = "transport"
	dropReasonIndexing  = "indexing"
	dropReasonInternal  = "internal"
)

type metrics struct {
	docsAdded      metric.Int64Counter
	bulkRequests   metric.Int64Counter
	docsProcessed  metric.Int64Counter
	batchesDropped metric.Int64Counter
	docsDropped    metric.Int64Counter
}

type clientMetrics struct {
	flushDuration metric.Float64Histogram
	bytesTotal    metric.Int64Counter
	fastPath      metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func meterFrom(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return mp.Meter("github.com/elastic/go-bulkdispatcher")
}

func newMetrics(cfg Config) (metrics, error) {
	meter := meterFrom(cfg.MeterProvider)
	ms := metrics{}
	counters := []counterMetric{
		{
			name:        "elasticsearch.events.count",
			description: "The number of records added for indexing.",
			p:           &ms.docsAdded,
		},
		{
			name:        "elasticsearch.bulk_requests.count",
			description: "The number of bulk requests executed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "elasticsearch.events.processed",
			description: "The number of records delivered in successful bulk requests.",
			p:           &ms.docsProcessed,
		},
		{
			name:        "elasticsearch.batches.dropped",
			description: "The number of batches dropped without being indexed.",
			p:           &ms.batchesDropped,
		},
		{
			name:        "elasticsearch.events.dropped",
			description: "The number of records in dropped batches.",
			p:           &ms.docsDropped,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newClientMetrics(cfg ClientConfig) (clientMetrics, error) {
	meter := meterFrom(cfg.MeterProvider)
	ms := clientMetrics{}
	if err := newFloat64Histogram(meter, histogramMetric{
		name:        "elasticsearch.flushed.latency",
		description: "The amount of time a _bulk request took, in seconds.",
		unit:        "s",
		p:           &ms.flushDuration,
	}); err != nil {
		return ms, err
	}
	counters := []counterMetric{
		{
			name:        "elasticsearch.flushed.bytes",
			description: "The total number of bytes written to the request body.",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "elasticsearch.bulk_requests.fast_path",
			description: "The number of bulk responses accepted without decoding the body.",
			p:           &ms.fastPath,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
