package status

import (
	"errors"
	"time"
)

// SignalStatusFalse is the only signal type a Poller emits.
const SignalStatusFalse = "statusFalse"

var ErrUnexpectedStatus = errors.New("unexpected http status")

// Snapshot is one reading of the status endpoint, passed through as delivered.
//
// BottleStatus is a string on the wire ("true" / "false"); it is compared to
// the literal "false" and never parsed as a boolean.
type Snapshot struct {
	BottleStatus string `json:"BottleStatus"`
	BottleID     string `json:"BottleID"`
}

// Empty reports whether the bottle needs replacing.
func (s Snapshot) Empty() bool { return s.BottleStatus == "false" }

func (s Snapshot) ID() string { return s.BottleID }

// Signal is the one-shot message a Poller sends to its owner.
type Signal struct {
	Type string
	Data Snapshot

	// Generation identifies the emitting poller so a superseded poller's
	// late signal can be told apart from the current one.
	Generation uint64
	At         time.Time
}
