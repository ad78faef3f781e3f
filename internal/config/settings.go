package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultTimezone    = "Asia/Kolkata"
	DefaultAdminAddr   = "127.0.0.1:8080"
	DefaultOrphanScan  = "5m"
	DefaultPrune       = "@daily"
	defaultMisfire     = 10 * time.Minute
	defaultRetention   = 90 * 24 * time.Hour
	defaultOrphanAfter = 5 * time.Minute
)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	Timezone           string
	Location           *time.Location
	MisfireGrace       time.Duration
	Retention          time.Duration
	OrphanAfter        time.Duration
	OrphanScan         string
	Prune              string
	RecoverConcurrency int

	PollTimeout  time.Duration
	SendTimeout  time.Duration
	BusyTimeout  time.Duration
	GroupLogChat int64
	AdminAddr    string
}

// Resolve validates cfg and returns the typed settings.
func (c *Config) Resolve() (Settings, error) {
	var s Settings
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.Timezone = strings.TrimSpace(c.Reminders.Timezone)
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("reminders.timezone: %w", err))
	}
	s.Location = loc

	s.MisfireGrace = dur("reminders.misfire_grace", c.Reminders.MisfireGrace, defaultMisfire)
	s.Retention = dur("reminders.retention", c.Reminders.Retention, defaultRetention)
	s.OrphanAfter = dur("reminders.orphan_after", c.Reminders.OrphanAfter, defaultOrphanAfter)
	s.OrphanScan = orDefault(c.Reminders.OrphanScan, DefaultOrphanScan)
	s.Prune = orDefault(c.Reminders.Prune, DefaultPrune)
	s.RecoverConcurrency = c.Reminders.RecoverConcurrency
	if s.RecoverConcurrency < 0 {
		errs = append(errs, errors.New("reminders.recover_concurrency: must be >= 0"))
	}

	s.PollTimeout = dur("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	s.SendTimeout = dur("delivery.send_timeout", c.Delivery.SendTimeout, 15*time.Second)
	s.BusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)

	if c.Delivery.Workers < 0 || c.Delivery.QueueSize < 0 || c.Delivery.Burst < 0 || c.Delivery.HistorySize < 0 {
		errs = append(errs, errors.New("delivery: sizes must be >= 0"))
	}
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec: must be >= 0"))
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvTelegramToken))
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
		s.GroupLogChat = id
	}
	if c.Logging.Telegram.Enabled && s.GroupLogChat == 0 {
		errs = append(errs, errors.New("logging.telegram: requires telegram.group_log"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for file and sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			errs = append(errs, fmt.Errorf("storage.redis.addr: required for redis (or set %s)", EnvRedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q (file|sqlite|postgres|redis)", c.Storage.Driver))
	}

	s.AdminAddr = orDefault(c.Admin.Addr, DefaultAdminAddr)
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("admin.jwt_secret: required when admin is enabled (or set %s)", EnvAdminSecret))
	}

	if err := errors.Join(errs...); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
