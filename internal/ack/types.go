package ack

import (
	"strconv"
	"strings"
	"time"

	"bottlebot/internal/announce"
	"bottlebot/internal/transport"
)

// Entry is one announcement awaiting acknowledgement.
type Entry struct {
	Message  transport.MessageRef
	PostedAt time.Time
	BottleID string
	CycleID  string
}

// User is the account that acknowledged an announcement.
type User struct {
	ID       int64
	Username string
	Name     string
}

// RecordName is the name sent to the recording endpoint: the username,
// else the display name, else the numeric id.
func (u User) RecordName() string {
	if s := strings.TrimSpace(u.Username); s != "" {
		return s
	}
	if s := strings.TrimSpace(u.Name); s != "" {
		return s
	}
	return strconv.FormatInt(u.ID, 10)
}

func (u User) Mention() announce.HTML { return announce.Mention(u.Name, u.Username, u.ID) }

type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeIgnoredSelf
	OutcomeIgnoredEmoji
	OutcomeIgnoredUnwatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeIgnoredSelf:
		return "ignored_self"
	case OutcomeIgnoredEmoji:
		return "ignored_emoji"
	case OutcomeIgnoredUnwatched:
		return "ignored_unwatched"
	default:
		return "unknown"
	}
}

// Completion is sent to the cycle owner when an entry is acknowledged.
type Completion struct {
	Entry   Entry
	User    User
	At      time.Time
	Elapsed time.Duration

	// Seconds is Elapsed formatted with two decimals, as posted.
	Seconds string

	// ConfirmErr is set when the confirmation could not be posted. The
	// cycle is complete regardless.
	ConfirmErr error
}

// FormatSeconds renders d in seconds with two decimals ("12.34").
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(max(0, d).Seconds(), 'f', 2, 64)
}
