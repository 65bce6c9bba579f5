package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeExpired      = "expired"
)

// CycleRecord is one finished announcement cycle.
type CycleRecord struct {
	ID          string    `json:"id"`
	BottleID    string    `json:"bottle_id,omitempty"`
	Message     string    `json:"message"`
	AnnouncedAt time.Time `json:"announced_at"`
	ClosedAt    time.Time `json:"closed_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	UserID      int64     `json:"user_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	Outcome     string    `json:"outcome"`
}

func (r CycleRecord) Elapsed() time.Duration { return time.Duration(r.ElapsedMS) * time.Millisecond }

// Store is the journal API.
type Store interface {
	AppendCycle(ctx context.Context, r CycleRecord) error

	// RecentCycles returns up to n records, newest first.
	RecentCycles(ctx context.Context, n int) ([]CycleRecord, error)

	Close() error
}
