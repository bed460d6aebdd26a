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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTel records increments on an OpenTelemetry counter.
type OTel struct {
	counter metric.Int64Counter
}

// NewOTel creates the counter on meter. A nil meter uses the global
// provider.
func NewOTel(meter metric.Meter) (*OTel, error) {
	if meter == nil {
		meter = otel.Meter("deltatree/reconcile")
	}

	counter, err := meter.Int64Counter(
		"deltatree_reconcile_events_total",
		metric.WithDescription("Total reconciler events by counter key"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events counter: %w", err)
	}
	return &OTel{counter: counter}, nil
}

// Increment implements Sink.
func (o *OTel) Increment(key string) {
	o.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", key)))
}
