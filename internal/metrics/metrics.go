// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blackbox"

// Metrics groups the collectors on a private registry so tests and
// multiple pipelines never collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	FramesDecoded  prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	SequenceGaps   prometheus.Counter
	DroppedFrames  prometheus.Counter
	Reconnects     prometheus.Counter
	ConnStatus     prometheus.Gauge
	Events         *prometheus.CounterVec
	RecordedFrames prometheus.Counter
	RecorderDrops  prometheus.Counter
	Recording      prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Sensor frames decoded from the device.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames discarded by the decoder, by reason.",
		}, []string{"kind"}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Gaps detected in the frame sequence.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames missing from sequence gaps.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts.",
		}),
		ConnStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 error.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detected_events_total",
			Help:      "Detected driving events, by kind.",
		}, []string{"kind"}),
		RecordedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_frames_total",
			Help:      "Frames queued to the session recorder.",
		}),
		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_frames_total",
			Help:      "Frames lost because the recorder queue was full.",
		}),
		Recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording",
			Help:      "1 while a logging session is active.",
		}),
	}
	m.Registry.MustRegister(
		m.FramesDecoded,
		m.DecodeErrors,
		m.SequenceGaps,
		m.DroppedFrames,
		m.Reconnects,
		m.ConnStatus,
		m.Events,
		m.RecordedFrames,
		m.RecorderDrops,
		m.Recording,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
