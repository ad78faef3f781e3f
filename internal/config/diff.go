package config

import (
	"reflect"
	"strings"

	logx "remindbot/pkg/logx"
)

// Change summarizes a config reload. Fields never include secrets.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	o, n := oldCfg, newCfg

	if !reflect.DeepEqual(o.Telegram, n.Telegram) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Fields = append(ch.Fields,
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Int("telegram.allowed_count", len(n.Telegram.AllowedUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.Telegram.GroupLog) != ""),
		)
		if o.Telegram.Token != n.Telegram.Token {
			ch.Restart = append(ch.Restart, "telegram.token")
		}
		if o.Telegram.PollTimeout != n.Telegram.PollTimeout || o.Telegram.APIURL != n.Telegram.APIURL {
			ch.Restart = append(ch.Restart, "telegram.poll_timeout")
		}
	}

	if !reflect.DeepEqual(o.Logging, n.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(o.Reminders, n.Reminders) {
		ch.Sections = append(ch.Sections, "reminders")
		ch.Fields = append(ch.Fields,
			logx.String("reminders.timezone", n.Reminders.Timezone),
			logx.String("reminders.orphan_scan", n.Reminders.OrphanScan),
			logx.String("reminders.prune", n.Reminders.Prune),
		)
		if strings.TrimSpace(o.Reminders.Timezone) != strings.TrimSpace(n.Reminders.Timezone) {
			ch.Restart = append(ch.Restart, "reminders.timezone")
		}
		if o.Reminders.MisfireGrace != n.Reminders.MisfireGrace ||
			o.Reminders.Retention != n.Reminders.Retention ||
			o.Reminders.OrphanAfter != n.Reminders.OrphanAfter ||
			o.Reminders.RecoverConcurrency != n.Reminders.RecoverConcurrency {
			ch.Restart = append(ch.Restart, "reminders.recovery")
		}
	}

	if !reflect.DeepEqual(o.Delivery, n.Delivery) {
		ch.Sections = append(ch.Sections, "delivery")
		ch.Fields = append(ch.Fields,
			logx.Int("delivery.workers", n.Delivery.Workers),
			logx.Any("delivery.rate_per_sec", n.Delivery.RatePerSec),
			logx.String("delivery.send_timeout", n.Delivery.SendTimeout),
		)
		if o.Delivery.Workers != n.Delivery.Workers || o.Delivery.QueueSize != n.Delivery.QueueSize {
			ch.Restart = append(ch.Restart, "delivery.workers")
		}
	}

	if !reflect.DeepEqual(o.Storage, n.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields, logx.String("storage.driver", n.Storage.Driver))
		ch.Restart = append(ch.Restart, "storage")
	}

	if !reflect.DeepEqual(o.Admin, n.Admin) {
		ch.Sections = append(ch.Sections, "admin")
		ch.Fields = append(ch.Fields,
			logx.Bool("admin.enabled", n.Admin.Enabled),
			logx.String("admin.addr", n.Admin.Addr),
		)
		ch.Restart = append(ch.Restart, "admin")
	}
	return ch
}
