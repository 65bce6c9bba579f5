package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bottlebot/internal/ack"
	"bottlebot/internal/announce"
	"bottlebot/internal/status"
	"bottlebot/internal/storage"
	"bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

type fakePoller struct {
	gen  uint64
	mode string // "emit", "block", "panic"
	live *atomic.Int32
}

func (p *fakePoller) Run(ctx context.Context, out chan<- status.Signal) error {
	p.live.Add(1)
	defer p.live.Add(-1)
	switch p.mode {
	case "emit":
		sig := status.Signal{Type: status.SignalStatusFalse, Data: status.Snapshot{BottleStatus: "false", BottleID: "AC07-1"}, Generation: p.gen}
		select {
		case out <- sig:
		case <-ctx.Done():
		}
	case "panic":
		panic("poller blew up")
	default:
		<-ctx.Done()
	}
	return nil
}

type pollers struct {
	live    atomic.Int32
	started chan uint64
	modes   map[uint64]string
}

func newPollers(modes map[uint64]string) *pollers {
	return &pollers{started: make(chan uint64, 16), modes: modes}
}

func (ps *pollers) factory(gen uint64) (Poller, error) {
	ps.started <- gen
	return &fakePoller{gen: gen, mode: ps.modes[gen], live: &ps.live}, nil
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAnnouncer) Announce(ctx context.Context, snap status.Snapshot) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return transport.MessageRef{}, a.err
	}
	return transport.MessageRef{ChatID: -100, MessageID: a.calls}, nil
}

func (a *fakeAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type nopConfirmer struct{}

func (nopConfirmer) Confirm(context.Context, transport.MessageRef, announce.HTML, string) error {
	return nil
}

type memJournal struct {
	mu   sync.Mutex
	recs []storage.CycleRecord
}

func (j *memJournal) AppendCycle(ctx context.Context, r storage.CycleRecord) error {
	j.mu.Lock()
	j.recs = append(j.recs, r)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) records() []storage.CycleRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]storage.CycleRecord(nil), j.recs...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitGen(t *testing.T, ps *pollers, want uint64) {
	t.Helper()
	for {
		select {
		case gen := <-ps.started:
			if gen == want {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("poller generation %d never started", want)
		}
	}
}

type harness struct {
	sup     *Supervisor
	watcher *ack.Watcher
	ann     *fakeAnnouncer
	ps      *pollers
	journal *memJournal
	cancel  context.CancelFunc
	done    chan error
}

func startHarness(t *testing.T, cfg Config, ackCfg ack.Config, modes map[uint64]string, opts ...func(*harness)) *harness {
	t.Helper()
	if ackCfg.Emoji == "" {
		ackCfg.Emoji = "👍"
	}
	w, err := ack.New(ackCfg, nopConfirmer{}, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{watcher: w, ann: &fakeAnnouncer{}, ps: newPollers(modes), journal: &memJournal{}, done: make(chan error, 1)}
	h.sup, err = New(cfg, h.ps.factory, h.ann, w, h.journal, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, o := range opts {
		o(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return")
		}
	})
	return h
}

func TestFullCycleRestartsPolling(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{}, ack.Config{}, map[uint64]string{1: "emit", 2: "block"})

	waitGen(t, h.ps, 1)
	eventually(t, "watch registered", func() bool { return len(h.watcher.Open()) == 1 })
	if h.sup.State() != StateAwaitingAck {
		t.Fatalf("state = %v", h.sup.State())
	}
	ref := h.watcher.Open()[0].Message

	got := h.watcher.OnReaction(context.Background(), transport.Reaction{Message: ref, Emoji: "👍", FromID: 7, FromUsername: "U1"})
	if got != ack.OutcomeMatched {
		t.Fatalf("outcome = %v", got)
	}

	waitGen(t, h.ps, 2)
	eventually(t, "one live poller", func() bool { return h.ps.live.Load() == 1 })
	eventually(t, "polling state", func() bool { return h.sup.State() == StatePolling })

	snap := h.sup.Snapshot()
	if snap.Generation != 2 || snap.Announcements != 1 || snap.Acknowledged != 1 || len(snap.Open) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Last == nil || snap.Last.User.RecordName() != "U1" {
		t.Fatalf("last completion = %+v", snap.Last)
	}
	if h.ann.count() != 1 {
		t.Fatalf("announcements = %d, want 1", h.ann.count())
	}
	recs := h.journal.records()
	if len(recs) != 1 || recs[0].Outcome != storage.OutcomeAcknowledged || recs[0].UserName != "U1" || recs[0].BottleID != "AC07-1" {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestDispatchFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{}, ack.Config{}, map[uint64]string{1: "emit"}, func(h *harness) {
		h.ann.err = fmt.Errorf("%w: chat unavailable", announce.ErrDispatch)
	})

	select {
	case err := <-h.done:
		if !errors.Is(err, announce.ErrDispatch) {
			t.Fatalf("Run = %v, want ErrDispatch", err)
		}
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not fail")
	}
	if len(h.watcher.Open()) != 0 {
		t.Fatal("nothing should be watched after a failed dispatch")
	}
	if h.ps.live.Load() != 0 {
		t.Fatal("poller still live after Run returned")
	}
}

func TestStaleSignalIsDiscarded(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{}, ack.Config{}, map[uint64]string{1: "block"})
	waitGen(t, h.ps, 1)

	h.sup.signals <- status.Signal{Type: status.SignalStatusFalse, Data: status.Snapshot{BottleStatus: "false"}, Generation: 99}
	eventually(t, "stale discard", func() bool { return h.sup.Snapshot().StaleDiscarded == 1 })
	if h.ann.count() != 0 {
		t.Fatal("stale signal was announced")
	}
	if h.sup.State() != StatePolling {
		t.Fatalf("state = %v", h.sup.State())
	}
}

func TestExpiredAnnouncementResumesPolling(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{ExpireCheck: 5 * time.Millisecond}, ack.Config{ExpireAfter: 20 * time.Millisecond}, map[uint64]string{1: "emit", 2: "block"})

	waitGen(t, h.ps, 2)
	eventually(t, "expired journaled", func() bool { return len(h.journal.records()) == 1 })
	if rec := h.journal.records()[0]; rec.Outcome != storage.OutcomeExpired {
		t.Fatalf("record = %+v", rec)
	}
	if snap := h.sup.Snapshot(); snap.Expired != 1 || snap.Acknowledged != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCrashedPollerIsReplaced(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{}, ack.Config{}, map[uint64]string{1: "panic", 2: "block"})
	waitGen(t, h.ps, 2)
	eventually(t, "one live poller", func() bool { return h.ps.live.Load() == 1 })
}

func TestPendingRestartKeepsLoopResponsive(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{RestartDelay: time.Minute}, ack.Config{}, map[uint64]string{1: "panic"})
	waitGen(t, h.ps, 1)
	eventually(t, "poller 1 gone", func() bool { return h.ps.live.Load() == 0 })

	// The loop must keep consuming while the restart waits.
	h.sup.signals <- status.Signal{Type: status.SignalStatusFalse, Generation: 0}
	eventually(t, "stale signal discarded", func() bool { return h.sup.Snapshot().StaleDiscarded == 1 })

	if snap := h.sup.Snapshot(); snap.Generation != 1 {
		t.Fatalf("generation = %d before the restart delay elapsed", snap.Generation)
	}
}
