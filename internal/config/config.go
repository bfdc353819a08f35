// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds the engine's environment-driven configuration,
// following the controller's own getenv-then-flag-override convention
// rather than a third-party config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EngineConfig holds the knobs shared by the orchestrator, worker and
// single-process CLI driver.
type EngineConfig struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat string

	// ContentStoreRoot is the filesystem root of the local CAS.
	ContentStoreRoot string
	// MetadataStorePath is the sqlite database path for the MetadataStore.
	MetadataStorePath string

	// MaxCPUParallelism sizes the CPU dispatcher queue's weight
	// semaphore; 0 means runtime.NumCPU(). There is no separate
	// count-unbounded mode.
	MaxCPUParallelism int
	// MaxIOParallelism bounds the IO dispatcher queue.
	MaxIOParallelism int
	// MaxPutAndPlaceOperations bounds concurrent content-store put/place calls.
	MaxPutAndPlaceOperations int

	// PinToleranceQ is the target overall unavailability risk tolerance
	// used by the pin algorithm's n_v/n_u derivation.
	PinToleranceQ float64
	// PinDiscountFactor is the geometric discount factor for pin-cache TTL.
	PinDiscountFactor float64

	// FingerprintSalt invalidates every weak fingerprint when changed.
	FingerprintSalt string

	// DistributionListenAddr is the orchestrator's worker-facing HTTP address.
	DistributionListenAddr string
	// DistributionSharedSecret signs orchestrator/worker envelopes.
	DistributionSharedSecret string

	// CancelTimeout bounds how long the dispatcher waits for in-flight
	// pips to drain after a cancel; 0 means unbounded.
	CancelTimeout time.Duration
}

// Default returns the engine defaults before environment/flag overlay.
func Default() EngineConfig {
	return EngineConfig{
		LogLevel:                 "info",
		LogFormat:                "text",
		ContentStoreRoot:         "/var/lib/forgecache/cas",
		MetadataStorePath:        "/var/lib/forgecache/metadata.db",
		MaxCPUParallelism:        0,
		MaxIOParallelism:         16,
		MaxPutAndPlaceOperations: 32,
		PinToleranceQ:            1e-9,
		PinDiscountFactor:        0.5,
		FingerprintSalt:          "",
		DistributionListenAddr:   ":9364",
		DistributionSharedSecret: "",
		CancelTimeout:            0,
	}
}

// FromEnv loads an EngineConfig starting from Default and overlaying any
// FORGECACHE_* environment variables that are set.
func FromEnv() (EngineConfig, error) {
	cfg := Default()

	if v := os.Getenv("FORGECACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FORGECACHE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FORGECACHE_CAS_ROOT"); v != "" {
		cfg.ContentStoreRoot = v
	}
	if v := os.Getenv("FORGECACHE_METADATA_PATH"); v != "" {
		cfg.MetadataStorePath = v
	}
	if v := os.Getenv("FORGECACHE_MAX_CPU_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_MAX_CPU_PARALLELISM: %w", err)
		}
		cfg.MaxCPUParallelism = n
	}
	if v := os.Getenv("FORGECACHE_MAX_IO_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_MAX_IO_PARALLELISM: %w", err)
		}
		cfg.MaxIOParallelism = n
	}
	if v := os.Getenv("FORGECACHE_MAX_PUT_PLACE_OPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_MAX_PUT_PLACE_OPS: %w", err)
		}
		cfg.MaxPutAndPlaceOperations = n
	}
	if v := os.Getenv("FORGECACHE_PIN_TOLERANCE_Q"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_PIN_TOLERANCE_Q: %w", err)
		}
		cfg.PinToleranceQ = f
	}
	if v := os.Getenv("FORGECACHE_PIN_DISCOUNT_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_PIN_DISCOUNT_FACTOR: %w", err)
		}
		cfg.PinDiscountFactor = f
	}
	if v := os.Getenv("FORGECACHE_FINGERPRINT_SALT"); v != "" {
		cfg.FingerprintSalt = v
	}
	if v := os.Getenv("FORGECACHE_DISTRIBUTION_ADDR"); v != "" {
		cfg.DistributionListenAddr = v
	}
	if v := os.Getenv("FORGECACHE_DISTRIBUTION_SECRET"); v != "" {
		cfg.DistributionSharedSecret = v
	}
	if v := os.Getenv("FORGECACHE_CANCEL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FORGECACHE_CANCEL_TIMEOUT: %w", err)
		}
		cfg.CancelTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks range and enum constraints.
func (c *EngineConfig) Validate() error {
	if c.MaxCPUParallelism < 0 {
		return fmt.Errorf("FORGECACHE_MAX_CPU_PARALLELISM must be >= 0")
	}
	if c.MaxIOParallelism < 1 {
		return fmt.Errorf("FORGECACHE_MAX_IO_PARALLELISM must be >= 1")
	}
	if c.MaxPutAndPlaceOperations < 1 {
		return fmt.Errorf("FORGECACHE_MAX_PUT_PLACE_OPS must be >= 1")
	}
	if c.PinToleranceQ <= 0 || c.PinToleranceQ >= 1 {
		return fmt.Errorf("FORGECACHE_PIN_TOLERANCE_Q must be in (0, 1)")
	}
	if c.PinDiscountFactor <= 0 || c.PinDiscountFactor >= 1 {
		return fmt.Errorf("FORGECACHE_PIN_DISCOUNT_FACTOR must be in (0, 1)")
	}
	if c.ContentStoreRoot == "" {
		return fmt.Errorf("FORGECACHE_CAS_ROOT cannot be empty")
	}
	if c.MetadataStorePath == "" {
		return fmt.Errorf("FORGECACHE_METADATA_PATH cannot be empty")
	}
	return nil
}
