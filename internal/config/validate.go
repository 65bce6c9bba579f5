package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "bottlebot/pkg/logx"
)

// ParseDurationField parses a non-negative duration. Empty means 0.
// path is the config key used in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks a config after ApplyDefaults. It reports every problem it
// finds, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		add("telegram.chat_id is required")
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add("telegram.group_log: invalid chat id %q", g)
		}
	}

	for key, raw := range map[string]string{
		"status.base_url":   c.Status.BaseURL,
		"recorder.base_url": c.Recorder.BaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("%s: want an http(s) URL, got %q", key, raw)
		}
	}
	if strings.TrimSpace(c.Status.Interval) == "" {
		add("status.interval is required")
	}

	for key, raw := range map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"status.timeout":        c.Status.Timeout,
		"recorder.timeout":      c.Recorder.Timeout,
		"ack.expire_after":      c.Ack.ExpireAfter,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Recorder.Retries < 0 {
		add("recorder.retries must be >= 0")
	}

	if strings.TrimSpace(c.Ack.Emoji) == "" && strings.TrimSpace(c.Ack.CustomEmojiID) == "" {
		add("ack.emoji or ack.custom_emoji_id is required")
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logx.ValidLevel(c.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel)
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required when storage.driver=%s", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
