// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus instrumentation of the engine.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all engine metrics
	Namespace = "cardwall"

	// Label names
	LabelController = "controller"
	LabelState      = "state"
	LabelOutcome    = "outcome"
	LabelBackend    = "backend"
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelKind       = "kind"
	LabelTransport  = "transport"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// StateTransitions counts every state a controller publishes.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "Protocol states published by session controllers",
		},
		[]string{LabelController, LabelState},
	)

	// RunDuration tracks how long runs take from start to terminal state.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of protocol runs in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{LabelController, LabelOutcome},
	)

	// StaleUpdatesDropped counts emissions discarded because their run was superseded.
	StaleUpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stale_updates_dropped_total",
			Help:      "Protocol emissions dropped because a newer run superseded them",
		},
		[]string{LabelController},
	)

	// KeystoreOperations counts key store calls by backend, operation and status.
	KeystoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keystore",
			Name:      "operations_total",
			Help:      "Key store operations by backend, operation and status",
		},
		[]string{LabelBackend, LabelOperation, LabelStatus},
	)

	// StrongBoxFallbacks counts key generations retried without StrongBox.
	StrongBoxFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keystore",
			Name:      "strongbox_fallbacks_total",
			Help:      "Key generations that fell back from StrongBox to the regular secure element",
		},
	)

	// PostPairingFailures counts secure element logins that failed right after pairing.
	PostPairingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "post_pairing_failures_total",
			Help:      "Best-effort secure element logins after pairing that failed",
		},
	)

	// TagStreamEvents counts tag stream outcomes by kind (tag, transient, disabled).
	TagStreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tagstream",
			Name:      "events_total",
			Help:      "Tag source results by kind",
		},
		[]string{LabelKind},
	)

	// ExchangeDuration tracks reader round trips for one APDU.
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "reader",
			Name:      "exchange_duration_seconds",
			Help:      "Duration of APDU exchanges through the reader in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelTransport, LabelStatus},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordState counts a published state.
func RecordState(controller, state string) {
	if !enabled.Load() {
		return
	}
	StateTransitions.WithLabelValues(controller, state).Inc()
}

// RecordRun observes the duration of a finished run.
func RecordRun(controller, outcome string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	RunDuration.WithLabelValues(controller, outcome).Observe(d.Seconds())
}

// RecordStaleUpdate counts a dropped emission.
func RecordStaleUpdate(controller string) {
	if !enabled.Load() {
		return
	}
	StaleUpdatesDropped.WithLabelValues(controller).Inc()
}

// RecordKeystore counts a key store operation.
func RecordKeystore(backend, operation string, err error) {
	if !enabled.Load() {
		return
	}
	KeystoreOperations.WithLabelValues(backend, operation, statusOf(err)).Inc()
}

// RecordStrongBoxFallback counts a StrongBox fallback.
func RecordStrongBoxFallback() {
	if !enabled.Load() {
		return
	}
	StrongBoxFallbacks.Inc()
}

// RecordPostPairingFailure counts a failed post-pairing login.
func RecordPostPairingFailure() {
	if !enabled.Load() {
		return
	}
	PostPairingFailures.Inc()
}

// RecordTagStream counts a tag source result.
func RecordTagStream(kind string) {
	if !enabled.Load() {
		return
	}
	TagStreamEvents.WithLabelValues(kind).Inc()
}

// RecordExchange observes one APDU round trip.
func RecordExchange(transport string, d time.Duration, err error) {
	if !enabled.Load() {
		return
	}
	ExchangeDuration.WithLabelValues(transport, statusOf(err)).Observe(d.Seconds())
}

// Enable turns metric collection on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metric collection off.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
