package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings; "d" (days) is also accepted.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
	Admin     AdminConfig     `json:"admin"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied as TELEGRAM_BOT_TOKEN.
	Token string `json:"token,omitempty"`
	// OwnerUserIDs may use operator commands and always pass AllowedUserIDs.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// AllowedUserIDs restricts who can use the bot. Empty means everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	// GroupLog is the chat id that receives log lines when logging.telegram
	// is enabled.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RemindersConfig controls parsing, recovery and maintenance.
//
// Defaults:
//   - timezone: "Asia/Kolkata"
//   - misfire_grace: "10m"
//   - retention: "90d"
//   - orphan_after: "5m"
//   - orphan_scan: "5m" (schedule)
//   - prune: "@daily" (schedule)
//   - recover_concurrency: 8
type RemindersConfig struct {
	Timezone           string `json:"timezone,omitempty"`
	MisfireGrace       string `json:"misfire_grace,omitempty"`
	Retention          string `json:"retention,omitempty"`
	OrphanAfter        string `json:"orphan_after,omitempty"`
	OrphanScan         string `json:"orphan_scan,omitempty"`
	Prune              string `json:"prune,omitempty"`
	RecoverConcurrency int    `json:"recover_concurrency,omitempty"`
}

// DeliveryConfig controls the delivery workers. rate_per_sec 0 means
// unlimited; Telegram allows roughly 30 messages per second per bot.
type DeliveryConfig struct {
	Workers     int     `json:"workers,omitempty"`
	QueueSize   int     `json:"queue_size,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	HistorySize int     `json:"history_size,omitempty"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
type StorageConfig struct {
	Driver string `json:"driver"` // file | sqlite | postgres | redis
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string; DATABASE_URL overrides it.
	DSN         string      `json:"dsn,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	// Addr is host:port or a redis:// URL; REDIS_URL overrides it.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// AdminConfig controls the operator HTTP API. The JWT secret should come
// from ADMIN_JWT_SECRET rather than the file.
type AdminConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default "127.0.0.1:8080"
	JWTSecret   string   `json:"jwt_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`
}
