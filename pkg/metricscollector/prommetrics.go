/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metricscollector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/namastack/outbox/pkg/util"
)

// DefaultPromMetricsNamespace is the prefix of every exported metric.
const DefaultPromMetricsNamespace = "outbox"

// PromMetrics holds the dispatcher's prometheus collectors and the registry
// they are registered on. It is assembled explicitly at startup and passed
// by reference; nothing registers onto a hidden default registerer.
type PromMetrics struct {
	registry *prometheus.Registry

	recordsByStatus  *prometheus.GaugeVec
	dispatchedTotal  *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	ownedPartitions  prometheus.Gauge
	liveInstances    prometheus.Gauge
	pendingRecords   prometheus.Gauge
	scheduledTotal   prometheus.Counter
	retentionDeleted prometheus.Counter
}

// NewPromMetrics builds the collectors and registers them on a fresh
// registry. Serve it with promhttp.HandlerFor(m.Registry(), ...).
func NewPromMetrics() *PromMetrics {
	m := &PromMetrics{
		registry: prometheus.NewRegistry(),
		recordsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "records",
				Name:      "total",
				Help:      "Number of outbox records per status.",
			},
			[]string{"status"},
		),
		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "dispatcher",
				Name:      "dispatched_total",
				Help:      "Dispatch attempts by outcome and payload type.",
			},
			[]string{"outcome", "payload_type"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "dispatcher",
				Name:      "dispatch_duration_seconds",
				Help:      "Wall time of one dispatch attempt, handler execution included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"payload_type"},
		),
		ownedPartitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "cluster",
				Name:      "owned_partitions",
				Help:      "Number of partitions this instance currently owns.",
			},
		),
		liveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "cluster",
				Name:      "live_instances",
				Help:      "Number of live dispatcher instances in the cluster.",
			},
		),
		pendingRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "records",
				Name:      "pending_owned",
				Help:      "Due records across the partitions this instance owns.",
			},
		),
		scheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "producer",
				Name:      "scheduled_total",
				Help:      "Records scheduled through this process.",
			},
		),
		retentionDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: DefaultPromMetricsNamespace,
				Subsystem: "records",
				Name:      "retention_deleted_total",
				Help:      "Completed records removed by the retention sweeper.",
			},
		),
	}

	m.registry.MustRegister(m.recordsByStatus)
	m.registry.MustRegister(m.dispatchedTotal)
	m.registry.MustRegister(m.dispatchLatency)
	m.registry.MustRegister(m.ownedPartitions)
	m.registry.MustRegister(m.liveInstances)
	m.registry.MustRegister(m.pendingRecords)
	m.registry.MustRegister(m.scheduledTotal)
	m.registry.MustRegister(m.retentionDeleted)

	return m
}

// Registry returns the registry the collectors live on.
func (m *PromMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDispatch counts one dispatch attempt.
func (m *PromMetrics) RecordDispatch(outcome, payloadType string, seconds float64) {
	label := util.NormalizeString(payloadType)
	m.dispatchedTotal.WithLabelValues(outcome, label).Inc()
	m.dispatchLatency.WithLabelValues(label).Observe(seconds)
}

// SetRecordsByStatus publishes the record count for one status.
func (m *PromMetrics) SetRecordsByStatus(status string, count int64) {
	m.recordsByStatus.WithLabelValues(status).Set(float64(count))
}

// SetOwnedPartitions publishes the owned-partition count.
func (m *PromMetrics) SetOwnedPartitions(count int) {
	m.ownedPartitions.Set(float64(count))
}

// SetLiveInstances publishes the live-instance count.
func (m *PromMetrics) SetLiveInstances(count int) {
	m.liveInstances.Set(float64(count))
}

// SetPendingRecords publishes the due-record count on owned partitions.
func (m *PromMetrics) SetPendingRecords(count int64) {
	m.pendingRecords.Set(float64(count))
}

// RecordScheduled counts one producer-side schedule call.
func (m *PromMetrics) RecordScheduled() {
	m.scheduledTotal.Inc()
}

// RecordRetentionDeleted counts sweeper deletions.
func (m *PromMetrics) RecordRetentionDeleted(count int64) {
	m.retentionDeleted.Add(float64(count))
}
