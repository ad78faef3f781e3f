package app

import (
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}, AllowedUserIDs: []int64{2, 3}},
		Storage:  config.StorageConfig{Driver: " SQLite ", Path: "./data/r.db"},
		Delivery: config.DeliveryConfig{Workers: 3, RatePerSec: 20, Burst: 5, SendTimeout: "7s"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"cron prune", func(c *config.Config) { c.Reminders.Prune = "0 3 * * *" }, ""},
		{"bad orphan scan", func(c *config.Config) { c.Reminders.OrphanScan = "soon" }, "reminders.orphan_scan"},
		{"bad prune", func(c *config.Config) { c.Reminders.Prune = "interval:0s" }, "reminders.prune"},
		{"bad timezone", func(c *config.Config) { c.Reminders.Timezone = "Mars/Olympus" }, "reminders.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tt.mutate(cfg)
			_, err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapConfigs(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	st, err := validate(cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	sc := mapStorageConfig(cfg, st)
	if sc.Driver != "sqlite" || sc.Path != "./data/r.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", sc)
	}

	dc := mapDeliveryConfig(cfg, st)
	if dc.Workers != 3 || dc.RatePerSec != 20 || dc.Burst != 5 || dc.SendTimeout != 7*time.Second {
		t.Fatalf("delivery = %+v", dc)
	}

	svc := mapServiceConfig(st)
	if svc.Location == nil || svc.Location.String() != config.DefaultTimezone {
		t.Fatalf("service location = %v", svc.Location)
	}
	if svc.MisfireGrace != 10*time.Minute || svc.Retention != 90*24*time.Hour {
		t.Fatalf("service = %+v", svc)
	}

	bc := mapBotConfig(cfg)
	cfg.Telegram.OwnerUserIDs[0] = 99
	if len(bc.Owners) != 1 || bc.Owners[0] != 1 || len(bc.AllowedUsers) != 2 {
		t.Fatalf("bot = %+v", bc)
	}

	if got := mapSchedulerConfig(st); got.Timezone != config.DefaultTimezone || got.HistorySize != schedulerHistory {
		t.Fatalf("scheduler = %+v", got)
	}
}

func TestMapLogConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Logging = config.LoggingConfig{
		Level:    "debug",
		Console:  true,
		File:     config.LoggingFile{Enabled: true, Path: "/tmp/r.log"},
		Telegram: config.LoggingTelegram{Enabled: true, ThreadID: 7, MinLevel: "error", RatePerSec: 2},
	}
	lc := mapLogConfig(cfg)
	if lc.Level != "debug" || !lc.Console || !lc.File.Enabled || lc.File.Path != "/tmp/r.log" {
		t.Fatalf("log = %+v", lc)
	}
	if !lc.Chat.Enabled || lc.Chat.ThreadID != 7 || lc.Chat.MinLevel != "error" || lc.Chat.RatePerSec != 2 {
		t.Fatalf("chat = %+v", lc.Chat)
	}
}
