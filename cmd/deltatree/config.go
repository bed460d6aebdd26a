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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/deltatree/pkg/logging"
	"github.com/AleutianAI/deltatree/services/render/storage/badger"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the deltatree.yaml file. Every field has a default; flags
// override the file.
type Config struct {
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Journal   JournalConfig    `yaml:"journal"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Output    OutputConfig     `yaml:"output"`
	Server    ServerConfig     `yaml:"server"`
}

// JournalConfig locates the badger journal. An empty Dir disables
// journaling for replay.
type JournalConfig struct {
	Dir            string        `yaml:"dir"`
	SyncWrites     bool          `yaml:"sync_writes"`
	SkipCorrupted  bool          `yaml:"skip_corrupted"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// ReconcileConfig selects reconciler behavior.
type ReconcileConfig struct {
	BlockPolicy string `yaml:"block_policy" validate:"omitempty,oneof=retain discard"`
}

// OutputConfig controls how trees are printed.
type OutputConfig struct {
	Format        string `yaml:"format" validate:"omitempty,oneof=text yaml"`
	ShowReportIDs bool   `yaml:"show_report_ids"`
}

// ServerConfig enables the inspection server when Addr is set.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	db := badger.DefaultConfig()
	return Config{
		Logging:   logging.Config{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Journal: JournalConfig{
			SyncWrites:     db.SyncWrites,
			GCInterval:     db.GCInterval,
			GCDiscardRatio: db.GCDiscardRatio,
		},
		Reconcile: ReconcileConfig{BlockPolicy: "retain"},
		Output:    OutputConfig{Format: "text"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (got %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads path over DefaultConfig and validates the result. An
// empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// storeConfig builds the badger settings for dir.
func (c JournalConfig) storeConfig(dir string) badger.Config {
	return badger.Config{
		Path:           dir,
		SyncWrites:     c.SyncWrites,
		GCInterval:     c.GCInterval,
		GCDiscardRatio: c.GCDiscardRatio,
	}
}
