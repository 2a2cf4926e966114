package retry

import (
	"errors"
	"time"
)

const (
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
	maxMultiplier       = 1000
)

// Config controls the backoff loop. Zero fields take the defaults.
type Config struct {
	MaxAttempts  int // 0 runs fn once
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // add up to 25% to each sleep

	// OnRetry runs before each sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig is three quick attempts
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		AddJitter:    true,
	}
}

// Connect is the profile for dialling a broker at startup
func Connect() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		AddJitter:    true,
	}
}

// withDefaults validates cfg and fills its zero fields
func (cfg Config) withDefaults() (Config, error) {
	switch {
	case cfg.InitialDelay < 0:
		return cfg, errors.New("retry: InitialDelay cannot be negative")
	case cfg.MaxDelay < 0:
		return cfg, errors.New("retry: MaxDelay cannot be negative")
	case cfg.Multiplier < 0:
		return cfg, errors.New("retry: Multiplier cannot be negative")
	}

	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	cfg.Multiplier = min(cfg.Multiplier, maxMultiplier)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return cfg, nil
}
