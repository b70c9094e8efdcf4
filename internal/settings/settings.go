package settings

import (
	"time"
)

// Provider exposes the read-mostly operational knobs consumed by the
// background workers. Values are fixed at construction from the loaded
// configuration.
type Provider struct {
	heartbeatInterval     time.Duration
	heartbeatTimeout      time.Duration
	rotationPeriod        time.Duration
	rotationCheckInterval time.Duration
	gracePeriod           time.Duration
	commandTimeout        time.Duration
}

type Config struct {
	HeartbeatIntervalSeconds     int `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds      int `mapstructure:"heartbeat_timeout_seconds"`
	RotationPeriodHours          int `mapstructure:"rotation_period_hours"`
	RotationCheckIntervalMinutes int `mapstructure:"rotation_check_interval_minutes"`
	GracePeriodMinutes           int `mapstructure:"grace_period_minutes"`
	CommandTimeoutSeconds        int `mapstructure:"command_timeout_seconds"`
}

const (
	defaultHeartbeatInterval     = 30 * time.Second
	defaultHeartbeatTimeout      = 90 * time.Second
	defaultRotationPeriod        = 24 * time.Hour
	defaultRotationCheckInterval = 5 * time.Minute
	defaultGracePeriod           = 15 * time.Minute
	defaultCommandTimeout        = 30 * time.Second
)

func NewProvider(cfg Config) *Provider {
	p := &Provider{
		heartbeatInterval:     defaultHeartbeatInterval,
		heartbeatTimeout:      defaultHeartbeatTimeout,
		rotationPeriod:        defaultRotationPeriod,
		rotationCheckInterval: defaultRotationCheckInterval,
		gracePeriod:           defaultGracePeriod,
		commandTimeout:        defaultCommandTimeout,
	}
	if cfg.HeartbeatIntervalSeconds > 0 {
		p.heartbeatInterval = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	}
	if cfg.HeartbeatTimeoutSeconds > 0 {
		p.heartbeatTimeout = time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
	}
	if cfg.RotationPeriodHours > 0 {
		p.rotationPeriod = time.Duration(cfg.RotationPeriodHours) * time.Hour
	}
	if cfg.RotationCheckIntervalMinutes > 0 {
		p.rotationCheckInterval = time.Duration(cfg.RotationCheckIntervalMinutes) * time.Minute
	}
	if cfg.GracePeriodMinutes > 0 {
		p.gracePeriod = time.Duration(cfg.GracePeriodMinutes) * time.Minute
	}
	if cfg.CommandTimeoutSeconds > 0 {
		p.commandTimeout = time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	}
	return p
}

func (p *Provider) HeartbeatInterval() time.Duration     { return p.heartbeatInterval }
func (p *Provider) HeartbeatTimeout() time.Duration      { return p.heartbeatTimeout }
func (p *Provider) RotationPeriod() time.Duration        { return p.rotationPeriod }
func (p *Provider) RotationCheckInterval() time.Duration { return p.rotationCheckInterval }
func (p *Provider) GracePeriod() time.Duration           { return p.gracePeriod }
func (p *Provider) CommandTimeout() time.Duration        { return p.commandTimeout }
