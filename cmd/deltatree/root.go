// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/deltatree/pkg/logging"
	"github.com/AleutianAI/deltatree/services/render/counters"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app carries process-wide state between the root command and its
// subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	jsonLogs   bool

	cfg      Config
	logger   *logging.Logger
	registry *prometheus.Registry
	shutdown func(context.Context) error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "deltatree",
		Short:         "Replay addressed delta streams into render trees",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to deltatree.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "json-logs", false, "log as JSON")

	root.AddCommand(newReplayCmd(a), newRestoreCmd(a), newResetCmd(a), newGenerateCmd(a))
	return root
}

// setup loads configuration and starts logging and telemetry.
func (a *app) setup(ctx context.Context) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.jsonLogs {
		cfg.Logging.JSON = true
	}
	if cfg.Logging.Output == nil {
		cfg.Logging.Output = a.stderr
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.logger = logger
	logger.SetDefault()

	a.registry = prometheus.NewRegistry()
	cfg.Telemetry.Registerer = a.registry
	if cfg.Telemetry.Writer == nil {
		cfg.Telemetry.Writer = a.stderr
	}
	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	a.cfg = cfg
	slog.Debug("configuration loaded",
		slog.String("config", a.configPath),
		slog.String("block_policy", cfg.Reconcile.BlockPolicy),
		slog.String("trace_exporter", cfg.Telemetry.TraceExporter),
		slog.String("metric_exporter", cfg.Telemetry.MetricExporter))
	return nil
}

func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// sink returns the counter sink for live applies. When the OpenTelemetry
// Prometheus exporter feeds the same registry, only the OTel counter is
// used so the series is not registered twice.
func (a *app) sink() (counters.Sink, error) {
	otelSink, err := counters.NewOTel(nil)
	if err != nil {
		return nil, err
	}
	if a.cfg.Telemetry.MetricExporter == "prometheus" {
		return otelSink, nil
	}
	promSink, err := counters.NewPrometheus(a.registry)
	if err != nil {
		return nil, err
	}
	return counters.Multi{promSink, otelSink}, nil
}

// reconciler builds the reconciler for policy, falling back to the
// configured one.
func (a *app) reconciler(policy string, sink counters.Sink) (*reconcile.Reconciler, error) {
	if policy == "" {
		policy = a.cfg.Reconcile.BlockPolicy
	}
	p, err := reconcile.ParseBlockPolicy(policy)
	if err != nil {
		return nil, err
	}
	return reconcile.New(
		reconcile.WithBlockPolicy(p),
		reconcile.WithCounters(sink),
		reconcile.WithLogger(slog.Default().With(slog.String("component", "reconcile"))),
	), nil
}

func (a *app) journalDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Journal.Dir != "" {
		return a.cfg.Journal.Dir, nil
	}
	return "", fmt.Errorf("journal directory required: set --journal-dir or journal.dir")
}
