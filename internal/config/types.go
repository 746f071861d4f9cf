package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Instagram InstagramConfig `json:"instagram"`
	Monitor   MonitorConfig   `json:"monitor"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Digest    DigestConfig    `json:"digest"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// LogChatID receives degraded-pool warnings and the daily digest. 0 disables.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type InstagramConfig struct {
	// ProxyURL is passed to the HTTP transport, e.g. "http://user:pass@gw:8080".
	// Empty means direct connection.
	ProxyURL string `json:"proxy_url,omitempty"`
	// RequestTimeout bounds a single profile fetch. Duration string, default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RequestsPerSec caps outbound profile requests across all monitors.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
	// FallbackSession is the last-resort session id used when the pool is empty
	// or exhausted. It is never part of the rotatable pool.
	FallbackSession string `json:"fallback_session"`
}

type MonitorConfig struct {
	// MinCheckInterval/MaxCheckInterval bound the jittered sleep between
	// polling cycles. Duration strings, defaults "3m" and "7m".
	MinCheckInterval string `json:"min_check_interval,omitempty"`
	MaxCheckInterval string `json:"max_check_interval,omitempty"`
	// MaxPerType caps how many accounts one monitor type may track.
	MaxPerType int `json:"max_per_type,omitempty"`
	// AuthErrorCooldown is the extra sleep added after a cycle that hit 3+
	// credential-level failures. Duration string, default "5m".
	AuthErrorCooldown string `json:"auth_error_cooldown,omitempty"`
}

type StorageConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout applies to sqlite only. Duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec, default "0 9 * * *" (daily 09:00).
	Schedule string `json:"schedule,omitempty"`
	// AuditRetentionDays prunes audit entries older than this. 0 keeps forever.
	AuditRetentionDays int `json:"audit_retention_days,omitempty"`
}

// Validate checks cross-field constraints before a config is committed.
// It is used both at startup and as the Watch() validator, so a bad edit
// to the live config file never reaches running services.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		return errors.New("storage.driver is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	min, err := ParseDurationOrDefault("monitor.min_check_interval", c.Monitor.MinCheckInterval, DefaultMinCheckInterval)
	if err != nil {
		return err
	}
	max, err := ParseDurationOrDefault("monitor.max_check_interval", c.Monitor.MaxCheckInterval, DefaultMaxCheckInterval)
	if err != nil {
		return err
	}
	if max < min {
		return fmt.Errorf("monitor.max_check_interval (%s) must be >= monitor.min_check_interval (%s)", max, min)
	}
	if c.Monitor.MaxPerType < 0 {
		return errors.New("monitor.max_per_type must be >= 0")
	}
	if c.Instagram.RequestsPerSec < 0 {
		return errors.New("instagram.requests_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("instagram.request_timeout", c.Instagram.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("monitor.auth_error_cooldown", c.Monitor.AuthErrorCooldown); err != nil {
		return err
	}
	return nil
}
