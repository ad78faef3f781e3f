package app

import (
	"fmt"
	"strings"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/reminder/delivery"
	"remindbot/internal/reminder/service"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

const schedulerHistory = 50

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, s config.Settings) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: s.BusyTimeout,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}

func mapDeliveryConfig(cfg *config.Config, s config.Settings) delivery.Config {
	return delivery.Config{
		Workers:     cfg.Delivery.Workers,
		QueueSize:   cfg.Delivery.QueueSize,
		RatePerSec:  cfg.Delivery.RatePerSec,
		Burst:       cfg.Delivery.Burst,
		SendTimeout: s.SendTimeout,
		HistorySize: cfg.Delivery.HistorySize,
	}
}

func mapServiceConfig(s config.Settings) service.Config {
	return service.Config{
		Location:           s.Location,
		MisfireGrace:       s.MisfireGrace,
		Retention:          s.Retention,
		OrphanAfter:        s.OrphanAfter,
		RecoverConcurrency: s.RecoverConcurrency,
	}
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		AllowedUsers: append([]int64(nil), cfg.Telegram.AllowedUserIDs...),
		Owners:       append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
	}
}

func mapSchedulerConfig(s config.Settings) scheduler.Config {
	return scheduler.Config{Timezone: s.Timezone, HistorySize: schedulerHistory}
}

// validate is the reload gate: a config that fails here is never published.
func validate(cfg *config.Config) (config.Settings, error) {
	s, err := cfg.Resolve()
	if err != nil {
		return config.Settings{}, err
	}
	if _, err := scheduler.ParseSchedule(s.OrphanScan); err != nil {
		return config.Settings{}, fmt.Errorf("reminders.orphan_scan: %w", err)
	}
	if _, err := scheduler.ParseSchedule(s.Prune); err != nil {
		return config.Settings{}, fmt.Errorf("reminders.prune: %w", err)
	}
	return s, nil
}
