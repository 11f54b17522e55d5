// Package config defines the single flat configuration record recognized
// by the delivery core, replacing any notion of dynamic kwargs: every
// option is a named field, and there is no way to supply an unrecognized
// one.
package config

import (
	"fmt"
	"time"
)

// OverflowPolicy selects what the priority queue does when an admission
// would exceed QueueMaxSize.
type OverflowPolicy string

const (
	OverflowDisplace OverflowPolicy = "displace"
	OverflowReject   OverflowPolicy = "reject"
)

// Config is the flat set of options recognized by the delivery core. Every
// key from the configuration table is a field here; there is no escape
// hatch for unknown keys.
type Config struct {
	MinSendInterval time.Duration

	MaxRetries   int
	RetryBase    time.Duration
	RetryCap     time.Duration

	PerAttemptTimeout time.Duration

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	QueueMaxSize     int
	OverflowPolicy   OverflowPolicy
	AgeBoostInterval time.Duration // 0 disables aging

	MinBatch int
	MaxBatch int

	MinWorkers int
	MaxWorkers int

	TargetCPUPercent float64

	DrainSLA time.Duration

	// StoreTimeout bounds how long the dispatcher will wait on
	// Store.Record before logging and moving on.
	StoreTimeout time.Duration

	// MaxPayloadBytes bounds Item.Payload size during admission validation.
	// 0 disables the check.
	MaxPayloadBytes int

	// TuningTick is the period of the adaptive controller (spec.md §4.6,
	// default 5s).
	TuningTick time.Duration
}

// Default returns the configuration defaults named in spec.md §6.
func Default() Config {
	return Config{
		MinSendInterval:         200 * time.Millisecond,
		MaxRetries:              3,
		RetryBase:               1 * time.Second,
		RetryCap:                30 * time.Second,
		PerAttemptTimeout:       10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
		QueueMaxSize:            1000,
		OverflowPolicy:          OverflowDisplace,
		AgeBoostInterval:        0,
		MinBatch:                10,
		MaxBatch:                500,
		MinWorkers:              2,
		MaxWorkers:              16,
		TargetCPUPercent:        70,
		DrainSLA:                30 * time.Second,
		StoreTimeout:            2 * time.Second,
		MaxPayloadBytes:         0,
		TuningTick:              5 * time.Second,
	}
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks every field against the invariants named in spec.md §6,
// returning the first violation found as a *ConfigError.
func (c Config) Validate() error {
	type positiveDuration struct {
		name string
		val  time.Duration
	}
	for _, d := range []positiveDuration{
		{"MinSendInterval", c.MinSendInterval},
		{"RetryBase", c.RetryBase},
		{"RetryCap", c.RetryCap},
		{"PerAttemptTimeout", c.PerAttemptTimeout},
		{"BreakerResetTimeout", c.BreakerResetTimeout},
		{"DrainSLA", c.DrainSLA},
		{"StoreTimeout", c.StoreTimeout},
		{"TuningTick", c.TuningTick},
	} {
		if d.val <= 0 {
			return &ConfigError{Field: d.name, Reason: "must be positive"}
		}
	}
	if c.RetryCap < c.RetryBase {
		return &ConfigError{Field: "RetryCap", Reason: "must be >= RetryBase"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "MaxRetries", Reason: "must be >= 0"}
	}
	if c.BreakerFailureThreshold <= 0 {
		return &ConfigError{Field: "BreakerFailureThreshold", Reason: "must be positive"}
	}
	if c.QueueMaxSize <= 0 {
		return &ConfigError{Field: "QueueMaxSize", Reason: "must be positive"}
	}
	switch c.OverflowPolicy {
	case OverflowDisplace, OverflowReject:
	default:
		return &ConfigError{Field: "OverflowPolicy", Reason: "must be displace or reject"}
	}
	if c.AgeBoostInterval < 0 {
		return &ConfigError{Field: "AgeBoostInterval", Reason: "must be >= 0"}
	}
	if c.MinBatch <= 0 || c.MaxBatch <= 0 {
		return &ConfigError{Field: "MinBatch/MaxBatch", Reason: "must be positive"}
	}
	if c.MinBatch > c.MaxBatch {
		return &ConfigError{Field: "MinBatch", Reason: "must be <= MaxBatch"}
	}
	if c.MinWorkers <= 0 || c.MaxWorkers <= 0 {
		return &ConfigError{Field: "MinWorkers/MaxWorkers", Reason: "must be positive"}
	}
	if c.MinWorkers > c.MaxWorkers {
		return &ConfigError{Field: "MinWorkers", Reason: "must be <= MaxWorkers"}
	}
	if c.TargetCPUPercent <= 0 {
		return &ConfigError{Field: "TargetCPUPercent", Reason: "must be positive"}
	}
	if c.MaxPayloadBytes < 0 {
		return &ConfigError{Field: "MaxPayloadBytes", Reason: "must be >= 0"}
	}
	return nil
}
