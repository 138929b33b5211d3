// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics holds the Prometheus collectors for the messaging core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "efthreads"

type Metrics struct {
	keyLookups        *prometheus.CounterVec
	decryptFailures   prometheus.Counter
	messagesAppended  *prometheus.CounterVec
	publishFailures   prometheus.Counter
	envelopesPerSend  prometheus.Histogram
	fanOutDuration    prometheus.Histogram
	activeSubscribers prometheus.Gauge
	reconnects        prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		keyLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_lookups_total",
			Help:      "Public key lookups by result (hit, miss, not_found, error, timeout).",
		}, []string{"result"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Envelopes addressed to the viewer that failed to decrypt.",
		}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages persisted, by encryption mode.",
		}, []string{"mode"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Push notifications that failed after the message was stored.",
		}),
		envelopesPerSend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelopes_per_message",
			Help:      "Envelopes produced per encrypted send.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		fanOutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time spent resolving keys and encrypting for one send.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Open thread subscriptions.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_reconnects_total",
			Help:      "Reconnect and reconcile cycles after a lost subscription.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.keyLookups,
			m.decryptFailures,
			m.messagesAppended,
			m.publishFailures,
			m.envelopesPerSend,
			m.fanOutDuration,
			m.activeSubscribers,
			m.reconnects,
		)
	}
	return m
}

// Key lookup results.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupNotFound = "not_found"
	LookupError    = "error"
	LookupTimeout  = "timeout"
)

func (m *Metrics) KeyLookup(result string) {
	if m == nil {
		return
	}
	m.keyLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) DecryptionFailed() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) MessageAppended(encrypted bool) {
	if m == nil {
		return
	}
	mode := "plaintext"
	if encrypted {
		mode = "encrypted"
	}
	m.messagesAppended.WithLabelValues(mode).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) FanOut(envelopes int, took time.Duration) {
	if m == nil {
		return
	}
	m.envelopesPerSend.Observe(float64(envelopes))
	m.fanOutDuration.Observe(took.Seconds())
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscribers.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscribers.Dec()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
