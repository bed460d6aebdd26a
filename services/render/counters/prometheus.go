// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counters

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "deltatree"
	metricsSubsystem = "reconcile"
)

// Prometheus counts increments in a CounterVec labelled by key.
type Prometheus struct {
	// EventsTotal counts reconciler events.
	// Labels: key ("main", "markdown", "new block", ...)
	EventsTotal *prometheus.CounterVec
}

// NewPrometheus registers the events counter on reg.
//
// # Description
//
// When the counter is already registered on reg (for example a second
// session in the same process), the existing collector is reused.
//
// # Inputs
//
//   - reg: Registerer to use. prometheus.DefaultRegisterer when nil.
//
// # Outputs
//
//   - *Prometheus: The sink.
//   - error: Non-nil if registration failed for another reason.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_total",
			Help:      "Total reconciler events by counter key",
		},
		[]string{"key"},
	)

	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("registering events counter: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("events counter registered with unexpected type %T", already.ExistingCollector)
		}
		vec = existing
	}

	return &Prometheus{EventsTotal: vec}, nil
}

// Increment implements Sink.
func (p *Prometheus) Increment(key string) {
	p.EventsTotal.WithLabelValues(key).Inc()
}
