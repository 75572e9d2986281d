// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are prometheus collectors of phone session. Nil Metrics disables collecting.
type Metrics struct {
	registrationTransitions *prometheus.CounterVec
	callsStarted            *prometheus.CounterVec
	callsEnded              *prometheus.CounterVec
	activeCalls             prometheus.Gauge
	mediaAttach             prometheus.Counter
	mediaDetach             prometheus.Counter
	busyRejects             prometheus.Counter
	dispatchedEvents        prometheus.Counter
	handlerFailures         prometheus.Counter
}

// NewMetrics creates and registers collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns = "softphone"
	m := &Metrics{
		registrationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registration_transitions_total",
			Help:      "Phone line registration state transitions",
		}, []string{"state"}),
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "calls_started_total",
			Help:      "Calls created by direction",
		}, []string{"direction"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "calls_ended_total",
			Help:      "Calls finished by final state",
		}, []string{"state"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_calls",
			Help:      "Calls not yet in terminal state",
		}),
		mediaAttach: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "media_attach_total",
			Help:      "Media pipeline attach operations",
		}),
		mediaDetach: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "media_detach_total",
			Help:      "Media pipeline detach operations",
		}),
		busyRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "busy_rejects_total",
			Help:      "Inbound calls rejected because call was active",
		}),
		dispatchedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dispatched_events_total",
			Help:      "Tasks executed by event dispatcher",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handler_failures_total",
			Help:      "Dispatched handlers that returned error or panicked",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.registrationTransitions,
			m.callsStarted,
			m.callsEnded,
			m.activeCalls,
			m.mediaAttach,
			m.mediaDetach,
			m.busyRejects,
			m.dispatchedEvents,
			m.handlerFailures,
		)
	}
	return m
}

func (m *Metrics) registration(state LineState) {
	if m == nil {
		return
	}
	m.registrationTransitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) callStarted(dir CallDirection) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(dir.String()).Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) callEnded(state CallState) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(string(state)).Inc()
	m.activeCalls.Dec()
}

func (m *Metrics) attached() {
	if m == nil {
		return
	}
	m.mediaAttach.Inc()
}

func (m *Metrics) detached() {
	if m == nil {
		return
	}
	m.mediaDetach.Inc()
}

func (m *Metrics) busy() {
	if m == nil {
		return
	}
	m.busyRejects.Inc()
}

func (m *Metrics) dispatched() {
	if m == nil {
		return
	}
	m.dispatchedEvents.Inc()
}

func (m *Metrics) handlerFailed() {
	if m == nil {
		return
	}
	m.handlerFailures.Inc()
}
