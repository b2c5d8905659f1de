// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the coordinator.
//
// Configuration comes from a YAML file with validated fields and sensible
// defaults. Scheduling knobs (the priority floor, rate limits) are
// hot-reloadable through a Store watching the file with fsnotify; a reload
// that fails validation keeps the previous configuration.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize is the maximum allowed config file size (1MB).
const MaxYAMLFileSize = 1024 * 1024

// cfgValidate is the validator instance for configuration.
var cfgValidate = validator.New()

// Config is the coordinator's configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" validate:"required"`

	// MinPriority is the floor below which client priorities are rejected.
	MinPriority float64 `yaml:"min_priority" validate:"gte=0"`

	// MaxPermutersPerClient bounds one connection's batch size.
	MaxPermutersPerClient int `yaml:"max_permuters_per_client" validate:"gt=0,lte=64"`

	// MaxBlockBytes caps decompressed block sizes on the channel.
	MaxBlockBytes int64 `yaml:"max_block_bytes" validate:"gt=0"`

	// MessageRate and MessageBurst bound inbound messages per connection.
	// A zero rate disables limiting.
	MessageRate  float64 `yaml:"message_rate" validate:"gte=0"`
	MessageBurst int     `yaml:"message_burst" validate:"gte=0"`

	// ArchivePath is the badger directory for the best-result archive.
	// Empty selects an in-memory archive.
	ArchivePath string `yaml:"archive_path"`

	// LogLevel selects the slog level.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Listen:                ":12220",
		MinPriority:           0.1,
		MaxPermutersPerClient: 64,
		MaxBlockBytes:         32 * 1024 * 1024,
		MessageRate:           200,
		MessageBurst:          400,
		LogLevel:              "info",
	}
}

// Load reads and validates a YAML config file. Fields absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return Config{}, fmt.Errorf("config file exceeds %d bytes", MaxYAMLFileSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfgValidate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Store holds the live configuration. Readers get a consistent snapshot;
// the watcher swaps the whole value atomically on reload.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore wraps an initial configuration.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.v.Store(&cfg)
	return s
}

// Get returns the current configuration snapshot.
func (s *Store) Get() Config {
	return *s.v.Load()
}

// set installs a new configuration. Used by the watcher and by tests.
func (s *Store) set(cfg Config) {
	s.v.Store(&cfg)
}
