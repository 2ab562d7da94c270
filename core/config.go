package core

import (
	"fmt"
	"strings"
	"time"
)

type LeaseConfig struct {
	// TTL is the lease lifetime granted on acquire and on each renewal.
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
	// HeartbeatInterval defaults to TTL/3 when zero.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// MaxRenewalFailures is the consecutive-failure count after which the
	// holder treats the lease as lost and aborts without committing.
	MaxRenewalFailures int `koanf:"max_renewal_failures" mapstructure:"max_renewal_failures"`
}

func (c LeaseConfig) EffectiveHeartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return c.TTL / 3
}

type TicketConfig struct {
	TTL         time.Duration `koanf:"ttl" mapstructure:"ttl"`
	SweepLimit  int           `koanf:"sweep_limit" mapstructure:"sweep_limit"`
	PayloadSize int           `koanf:"payload_size" mapstructure:"payload_size"`
}

type PasswordConfig struct {
	// MaxAttempts caps client password submissions per ticket. An explicit
	// upstream rejection of the credential does not consume this budget.
	MaxAttempts int `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type CallbackConfig struct {
	// Tolerance bounds how far a callback timestamp may drift from the
	// verifier's clock in either direction before it fails closed.
	Tolerance time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
	// ReplayWindow is how long a callback identity stays claimed.
	ReplayWindow time.Duration `koanf:"replay_window" mapstructure:"replay_window"`
}

type RecoveryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	// JitterFraction randomizes each delay by up to this share of itself.
	JitterFraction float64 `koanf:"jitter_fraction" mapstructure:"jitter_fraction"`
	// FreshnessWindow bounds how old a successful live validation may be
	// before AUTHORIZED is re-validated on use.
	FreshnessWindow time.Duration `koanf:"freshness_window" mapstructure:"freshness_window"`
	// ScanLimit caps how many stale sessions one scan pass picks up.
	ScanLimit int `koanf:"scan_limit" mapstructure:"scan_limit"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	Window           time.Duration `koanf:"window" mapstructure:"window"`
	Cooldown         time.Duration `koanf:"cooldown" mapstructure:"cooldown"`
}

type OutboxConfig struct {
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type Config struct {
	ServiceName    string         `koanf:"service_name" mapstructure:"service_name"`
	DefaultGateway string         `koanf:"default_gateway" mapstructure:"default_gateway"`
	Lease          LeaseConfig    `koanf:"lease" mapstructure:"lease"`
	Ticket         TicketConfig   `koanf:"ticket" mapstructure:"ticket"`
	Password       PasswordConfig `koanf:"password" mapstructure:"password"`
	Callback       CallbackConfig `koanf:"callback" mapstructure:"callback"`
	Recovery       RecoveryConfig `koanf:"recovery" mapstructure:"recovery"`
	Breaker        BreakerConfig  `koanf:"breaker" mapstructure:"breaker"`
	Outbox         OutboxConfig   `koanf:"outbox" mapstructure:"outbox"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "sessionguard",
		DefaultGateway: "",
		Lease: LeaseConfig{
			TTL:                30 * time.Second,
			MaxRenewalFailures: 2,
		},
		Ticket: TicketConfig{
			TTL:        10 * time.Minute,
			SweepLimit: 100,
		},
		Password: PasswordConfig{
			MaxAttempts: 3,
		},
		Callback: CallbackConfig{
			Tolerance:    5 * time.Minute,
			ReplayWindow: 24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:     5,
			InitialBackoff:  2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			JitterFraction:  0.2,
			FreshnessWindow: 15 * time.Minute,
			ScanLimit:       50,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize:      50,
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("core: lease.ttl must be positive")
	}
	if c.Lease.HeartbeatInterval < 0 {
		return fmt.Errorf("core: lease.heartbeat_interval must not be negative")
	}
	if c.Lease.HeartbeatInterval >= c.Lease.TTL && c.Lease.HeartbeatInterval != 0 {
		return fmt.Errorf("core: lease.heartbeat_interval must be under lease.ttl")
	}
	if c.Lease.MaxRenewalFailures <= 0 {
		return fmt.Errorf("core: lease.max_renewal_failures must be positive")
	}
	if c.Ticket.TTL <= 0 {
		return fmt.Errorf("core: ticket.ttl must be positive")
	}
	if c.Password.MaxAttempts <= 0 {
		return fmt.Errorf("core: password.max_attempts must be positive")
	}
	if c.Callback.Tolerance <= 0 {
		return fmt.Errorf("core: callback.tolerance must be positive")
	}
	if c.Callback.ReplayWindow < c.Callback.Tolerance {
		return fmt.Errorf("core: callback.replay_window must cover callback.tolerance")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("core: recovery.max_attempts must be positive")
	}
	if c.Recovery.InitialBackoff <= 0 || c.Recovery.MaxBackoff < c.Recovery.InitialBackoff {
		return fmt.Errorf("core: recovery backoff bounds are invalid")
	}
	if c.Recovery.JitterFraction < 0 || c.Recovery.JitterFraction > 1 {
		return fmt.Errorf("core: recovery.jitter_fraction must be within [0, 1]")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("core: breaker.failure_threshold must be positive")
	}
	if c.Breaker.Window <= 0 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("core: breaker window and cooldown must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("core: outbox batch_size and max_attempts must be positive")
	}
	return nil
}
