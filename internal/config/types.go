package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "5s", "1m").
//
// Everything except the logging section and telegram.owner_user_ids is read
// once at startup; changing it requires a restart.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Status   StatusConfig   `json:"status"`
	Recorder RecorderConfig `json:"recorder"`
	Ack      AckConfig      `json:"ack"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// ChatID is where announcements and confirmations are posted.
	// The bot must be an administrator there to receive reaction updates.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`

	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// GroupLog is the chat id (as a string) for the log sink.
	GroupLog string `json:"group_log,omitempty"`

	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StatusConfig controls the bottle status poller.
//
// Interval accepts a Go duration ("5s"), "@every 5s", or a cron expression.
type StatusConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// RecorderConfig controls the user recording endpoint. BaseURL defaults to
// status.base_url.
type RecorderConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// Retries is the number of extra attempts after a transport error or a
	// 5xx. 0 (the default) posts once.
	Retries int `json:"retries,omitempty"`
}

// AckConfig selects the acknowledgement reaction.
//
// If CustomEmojiID is set it takes precedence over Emoji.
// ExpireAfter drops an unacknowledged announcement and resumes polling;
// empty keeps waiting forever.
type AckConfig struct {
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
	ExpireAfter   string `json:"expire_after,omitempty"`
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

// StorageConfig enables the cycle journal.
//
//	"storage": { "driver": "sqlite", "path": "./data/bottlebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

const (
	DefaultStatusBaseURL = "http://localhost:9000"
	DefaultInterval      = "5s"
	DefaultStatusTimeout = "4s"
	DefaultRecordTimeout = "5s"
	DefaultAckEmoji      = "👍"
)

// ApplyDefaults fills omitted optional fields in place.
func (c *Config) ApplyDefaults() {
	if c.Status.BaseURL == "" {
		c.Status.BaseURL = DefaultStatusBaseURL
	}
	if c.Status.Interval == "" {
		c.Status.Interval = DefaultInterval
	}
	if c.Status.Timeout == "" {
		c.Status.Timeout = DefaultStatusTimeout
	}
	if c.Recorder.BaseURL == "" {
		c.Recorder.BaseURL = c.Status.BaseURL
	}
	if c.Recorder.Timeout == "" {
		c.Recorder.Timeout = DefaultRecordTimeout
	}
	if c.Recorder.Workers <= 0 {
		c.Recorder.Workers = 1
	}
	if c.Recorder.QueueSize <= 0 {
		c.Recorder.QueueSize = 16
	}
	if c.Ack.Emoji == "" && c.Ack.CustomEmojiID == "" {
		c.Ack.Emoji = DefaultAckEmoji
	}
}
