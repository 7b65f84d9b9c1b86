package config

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Store     StoreConfig      `json:"store"`
	Fanout    *FanoutConfig    `json:"fanout,omitempty"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	Raffle    *RaffleConfig    `json:"raffle,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs is the set of privileged operators allowed to run
	// broadcasts and view aggregate stats.
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// WebAppURL is the base URL of the wishlist web app; /start menus link
	// into it. Empty disables menu buttons.
	WebAppURL string `json:"webapp_url,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig controls the record store.
//
// Example:
//
//	"store": { "driver": "file", "path": "./data.json" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FanoutConfig controls per-recipient delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type FanoutConfig struct {
	RatePerSec       int    `json:"rate_per_sec,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	ProgressEvery    int    `json:"progress_every,omitempty"`
	ProgressMinBatch int    `json:"progress_min_batch,omitempty"`
}

type BroadcastConfig struct {
	QueueSize int    `json:"queue_size,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"` // Go duration string
}

// RaffleConfig controls the recurring prize-draw reminder broadcast.
type RaffleConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // 5-field cron spec; default Sunday 20:00
	Message  string `json:"message,omitempty"`
}
