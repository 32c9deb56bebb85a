package config

// Config is the on-disk configuration. Durations are Go duration strings
// unless a field says otherwise; they are parsed where they are used.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Inventory InventoryConfig `json:"inventory"`
	Jobs      JobsConfig      `json:"jobs"`

	// Omitted: the notifier runs with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`

	// NotifyChat receives reconciliation reports, lifecycle notices and chat logs.
	NotifyChat   int64 `json:"notify_chat"`
	NotifyThread int   `json:"notify_thread,omitempty"`
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
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persisted store.
//
//	"storage": { "driver": "sqlite", "path": "./pobot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// InventoryConfig selects the external inventory. Kind is "s3" or "local".
type InventoryConfig struct {
	Kind string `json:"kind"`
	// DefaultContainer is used by /schedule when no container is given.
	DefaultContainer string                `json:"default_container"`
	ThrottlePerSec   float64               `json:"throttle_per_sec,omitempty"`
	S3               *S3InventoryConfig    `json:"s3,omitempty"`
	Local            *LocalInventoryConfig `json:"local,omitempty"`
}

type S3InventoryConfig struct {
	AccountName     string   `json:"account_name"`
	Region          string   `json:"region"`
	Endpoint        string   `json:"endpoint,omitempty"`
	AccessKeyID     string   `json:"access_key_id,omitempty"`
	SecretAccessKey string   `json:"secret_access_key,omitempty"`
	UsePathStyle    bool     `json:"use_path_style,omitempty"`
	Buckets         []string `json:"buckets,omitempty"`
	URLTTL          string   `json:"url_ttl,omitempty"`
	PageRetries     int      `json:"page_retries,omitempty"`
}

type LocalInventoryConfig struct {
	AccountName string `json:"account_name"`
	Root        string `json:"root"`
	BaseURL     string `json:"base_url"`
}

type JobsConfig struct {
	Reconcile ReconcileJobConfig `json:"reconcile"`
	Dispatch  DispatchJobConfig  `json:"dispatch"`
	Cleanup   CleanupJobConfig   `json:"cleanup"`
}

// ReconcileJobConfig tunes the periodic inventory reconciliation.
//
// Interval and MinInterval accept a Go duration, HH:MM, or a cron
// descriptor such as "@daily" or "@every 6h" (see ParseInterval).
type ReconcileJobConfig struct {
	Disabled    bool   `json:"disabled,omitempty"`
	Interval    string `json:"interval,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	// MinSleep floors the executor's not-yet-due sleep.
	MinSleep string `json:"min_sleep,omitempty"`
}

type DispatchJobConfig struct {
	MinSleep       string `json:"min_sleep,omitempty"`
	MaxSleep       string `json:"max_sleep,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	// MinDelay and MaxDelay bound the delay accepted by /schedule and /remind.
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

// CleanupJobConfig deletes delivered messages in the listed chats once
// they are older than MaxAge. An empty Chats list keeps everything.
type CleanupJobConfig struct {
	Disabled  bool    `json:"disabled,omitempty"`
	Chats     []int64 `json:"chats,omitempty"`
	Interval  string  `json:"interval,omitempty"`
	MaxAge    string  `json:"max_age,omitempty"`
	BatchSize int     `json:"batch_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}
