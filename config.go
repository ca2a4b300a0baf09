package promagent

import "time"

// Config holds configuration for the Agent.
type Config struct {
	// SelfMetrics enables the agent's own failure counter on the
	// shared registry.
	SelfMetrics bool

	// FailureLogInterval is the minimum interval between handler
	// failure log lines once the burst is exhausted.
	FailureLogInterval time.Duration

	// FailureLogBurst is the number of handler failure log lines
	// allowed before the interval applies.
	FailureLogBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SelfMetrics:        true,
		FailureLogInterval: 100 * time.Millisecond,
		FailureLogBurst:    20,
	}
}
