// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.KeyLookup(LookupHit)
	m.DecryptionFailed()
	m.MessageAppended(true)
	m.PublishFailed()
	m.FanOut(3, time.Millisecond)
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.Reconnected()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.KeyLookup(LookupHit)
	m.KeyLookup(LookupHit)
	m.KeyLookup(LookupTimeout)
	m.DecryptionFailed()
	m.MessageAppended(true)
	m.MessageAppended(false)
	m.MessageAppended(false)
	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "hits", c: m.keyLookups.WithLabelValues(LookupHit), want: 2},
		{name: "timeouts", c: m.keyLookups.WithLabelValues(LookupTimeout), want: 1},
		{name: "decrypt failures", c: m.decryptFailures, want: 1},
		{name: "plaintext appends", c: m.messagesAppended.WithLabelValues("plaintext"), want: 2},
		{name: "active subscriptions", c: m.activeSubscribers, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}
