package app

import (
	"strconv"
	"strings"
	"time"

	"bottlebot/internal/config"
	"bottlebot/internal/storage"
	"bottlebot/internal/task/engine"
	kit "bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

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

// logChatTarget parses telegram.group_log. 0 disables the chat sink target.
func logChatTarget(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

// mapEngineConfig sizes the task engine from the recorder section; the
// recorder is its only producer.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationOrDefault("recorder.timeout", cfg.Recorder.Timeout, 5*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Recorder.Workers,
		QueueSize:      cfg.Recorder.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    50,
		RetryMax:       cfg.Recorder.Retries,
	}, nil
}

// ackEmoji is the reaction the watcher matches, in kit.Reaction form.
func ackEmoji(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Ack.CustomEmojiID); id != "" {
		return kit.CustomEmoji(id)
	}
	return strings.TrimSpace(cfg.Ack.Emoji)
}

// expireCheckEvery picks how often open announcements are checked for expiry.
func expireCheckEvery(after time.Duration) time.Duration {
	if after <= 0 {
		return 0
	}
	every := after / 10
	if every < time.Second {
		every = time.Second
	}
	if every > time.Minute {
		every = time.Minute
	}
	return every
}
