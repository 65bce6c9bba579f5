package cycle

import (
	"context"
	"time"

	"bottlebot/internal/ack"
	"bottlebot/internal/status"
	"bottlebot/internal/storage"
	"bottlebot/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StatePolling
	StateAwaitingAck
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateAwaitingAck:
		return "awaiting_ack"
	default:
		return "unknown"
	}
}

// Poller is one status poller instance. *status.Poller implements it.
type Poller interface {
	Run(ctx context.Context, out chan<- status.Signal) error
}

// PollerFactory builds the poller for a generation.
type PollerFactory func(gen uint64) (Poller, error)

// Announcer posts the announcement. *announce.Dispatcher implements it.
type Announcer interface {
	Announce(ctx context.Context, snap status.Snapshot) (transport.MessageRef, error)
}

// Watcher is the part of *ack.Watcher the supervisor drives.
type Watcher interface {
	Watch(e ack.Entry)
	Open() []ack.Entry
	Expire(now time.Time) []ack.Entry
	Completions() <-chan ack.Completion
}

// Journal records finished cycles. storage.Store implements it.
type Journal interface {
	AppendCycle(ctx context.Context, r storage.CycleRecord) error
}

type Config struct {
	// ExpireCheck is how often Watcher.Expire runs. 0 disables expiry checks.
	ExpireCheck time.Duration

	// JournalTimeout bounds one journal write. Default 5s.
	JournalTimeout time.Duration

	// RestartDelay is the pause before a crashed poller is replaced. Default 1s.
	RestartDelay time.Duration
}

// Snapshot is the operator view of the cycle.
type Snapshot struct {
	State         State
	Generation    uint64
	PollerRunning bool
	Open          []ack.Entry

	Announcements  uint64
	Acknowledged   uint64
	Expired        uint64
	StaleDiscarded uint64

	Last *ack.Completion
}
