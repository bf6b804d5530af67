// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

// Package metrics holds the prometheus counters of the intake pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on their own registry, so several pipelines can
// live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Submissions       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	BytesStored       prometheus.Counter
	Dispatches        *prometheus.CounterVec
	Events            *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	EnrichmentSkipped prometheus.Counter
	Escalations       prometheus.Counter
}

// New creates the counters on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_submissions_total",
			Help: "Total number of stored and registered submissions",
		}, []string{"category"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_rejections_total",
			Help: "Total number of rejected submissions by error kind",
		}, []string{"kind"}),
		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_bytes_stored_total",
			Help: "Total number of evidence bytes written",
		}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_dispatch_total",
			Help: "Total number of dispatch attempts by resulting state",
		}, []string{"state"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_events_total",
			Help: "Total number of normalized events",
		}, []string{"tool"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_records_skipped_total",
			Help: "Total number of malformed tool output records",
		}, []string{"tool"}),
		EnrichmentSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_enrichment_skipped_total",
			Help: "Total number of events kept without indicator lookups",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_escalations_total",
			Help: "Total number of escalation records created",
		}),
	}
}

// Registry returns the registry the counters are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the counters in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
