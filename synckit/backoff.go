package synckit

import (
	"fmt"
	"time"
)

// BackoffConfig shapes the delay before a transiently failed entry is retried.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultBackoff starts at one second and doubles up to five minutes.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}
}

func (b BackoffConfig) Validate() error {
	if b.InitialDelay < 0 || b.MaxDelay < 0 {
		return fmt.Errorf("backoff delays must not be negative")
	}
	if b.MaxDelay > 0 && b.InitialDelay > b.MaxDelay {
		return fmt.Errorf("backoff initial delay %s exceeds max delay %s", b.InitialDelay, b.MaxDelay)
	}
	if b.Multiplier != 0 && b.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", b.Multiplier)
	}
	return nil
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func newBackoff(c BackoffConfig) exponentialBackoff {
	return exponentialBackoff{initialDelay: c.InitialDelay, maxDelay: c.MaxDelay, multiplier: c.Multiplier}
}

// nextDelay returns initialDelay * multiplier^attempt capped at maxDelay.
func (eb exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
		if eb.maxDelay > 0 && delay >= float64(eb.maxDelay) {
			return eb.maxDelay
		}
	}

	result := time.Duration(delay)
	if eb.maxDelay > 0 && result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}
