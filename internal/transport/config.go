package transport

import "time"

// Config defines client-side reliability behavior.
type Config struct {
	DialTimeout          time.Duration
	HandshakeTimeout     time.Duration
	CallTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxReconnectAttempts int
	Backoff              BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:          5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		CallTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxReconnectAttempts: 8,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
