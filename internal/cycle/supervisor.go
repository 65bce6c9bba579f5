// Package cycle runs the monitoring cycle: poll until the bottle is empty,
// announce, wait for the acknowledgement, poll again.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"bottlebot/internal/ack"
	"bottlebot/internal/eventbus"
	rtsup "bottlebot/internal/runtime/supervisor"
	"bottlebot/internal/status"
	"bottlebot/internal/storage"
	logx "bottlebot/pkg/logx"
)

type pollerHandle struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type pollerExit struct {
	gen uint64
	err error
}

// Supervisor owns the poller lifecycle. Run is its single event loop; only
// start creates pollers, and at most one is live at a time.
type Supervisor struct {
	cfg       Config
	newPoller PollerFactory
	announcer Announcer
	watcher   Watcher
	journal   Journal
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time

	signals chan status.Signal
	exits   chan pollerExit

	// owned by Run
	rt     *rtsup.Supervisor
	handle *pollerHandle

	mu             sync.Mutex
	state          State
	gen            uint64
	announcements  uint64
	acknowledged   uint64
	expired        uint64
	staleDiscarded uint64
	last           *ack.Completion
}

// New returns a Supervisor. journal may be nil.
func New(cfg Config, newPoller PollerFactory, announcer Announcer, watcher Watcher, journal Journal, log logx.Logger, bus eventbus.Bus) (*Supervisor, error) {
	if newPoller == nil || announcer == nil || watcher == nil {
		return nil, errors.New("cycle: poller factory, announcer and watcher are required")
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = 5 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Supervisor{
		cfg:       cfg,
		newPoller: newPoller,
		announcer: announcer,
		watcher:   watcher,
		journal:   journal,
		log:       log,
		bus:       bus,
		now:       time.Now,
		signals:   make(chan status.Signal, 4),
		exits:     make(chan pollerExit, 4),
	}, nil
}

// Run drives the cycle until ctx is canceled (returns nil) or an
// announcement cannot be posted (returns an error wrapping
// announce.ErrDispatch).
func (s *Supervisor) Run(ctx context.Context) error {
	s.rt = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	defer func() {
		s.stopPoller()
		s.setState(StateIdle)
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.rt.Stop(stopCtx)
	}()

	if err := s.start(); err != nil {
		return err
	}

	var expireC <-chan time.Time
	if s.cfg.ExpireCheck > 0 {
		t := time.NewTicker(s.cfg.ExpireCheck)
		defer t.Stop()
		expireC = t.C
	}

	// A crashed poller is replaced from this loop once restartC fires.
	var (
		restartC   <-chan time.Time
		restartGen uint64
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("cycle stopping")
			return nil

		case sig := <-s.signals:
			if err := s.onSignal(ctx, sig); err != nil {
				return err
			}

		case ex := <-s.exits:
			if s.onPollerExit(ex) {
				restartGen = ex.gen
				restartC = time.After(s.cfg.RestartDelay)
			}

		case <-restartC:
			restartC = nil
			if err := s.replacePoller(restartGen); err != nil {
				return err
			}

		case c := <-s.watcher.Completions():
			if err := s.onCompletion(ctx, c); err != nil {
				return err
			}

		case now := <-expireC:
			if err := s.onExpireTick(ctx, now); err != nil {
				return err
			}
		}
	}
}

// start stops the current poller (waiting for it to exit) and launches a
// new generation.
func (s *Supervisor) start() error {
	s.stopPoller()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	p, err := s.newPoller(gen)
	if err != nil {
		return fmt.Errorf("cycle: create poller: %w", err)
	}

	pctx, cancel := context.WithCancel(s.rt.Context())
	h := &pollerHandle{gen: gen, cancel: cancel, done: make(chan struct{})}
	s.handle = h
	s.setState(StatePolling)

	s.rt.Go("poller."+strconv.FormatUint(gen, 10), func(context.Context) error {
		err := s.runPoller(pctx, p)
		close(h.done)
		if err != nil && pctx.Err() == nil {
			select {
			case s.exits <- pollerExit{gen: gen, err: err}:
			default:
			}
		}
		return err
	})
	s.log.Info("polling started", logx.Uint64("gen", gen))
	return nil
}

func (s *Supervisor) runPoller(ctx context.Context, p Poller) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller panic: %v", r)
		}
	}()
	return p.Run(ctx, s.signals)
}

// onPollerExit reports whether the poller that died without reporting is
// the current one and must be replaced.
func (s *Supervisor) onPollerExit(ex pollerExit) bool {
	if !s.isCurrentPoller(ex.gen) {
		return false
	}
	s.log.Warn("poller exited unexpectedly; restarting", logx.Uint64("gen", ex.gen), logx.Err(ex.err), logx.Duration("delay", s.cfg.RestartDelay))
	return true
}

// replacePoller starts a new generation unless gen was superseded while the
// restart was pending.
func (s *Supervisor) replacePoller(gen uint64) error {
	if !s.isCurrentPoller(gen) {
		return nil
	}
	return s.start()
}

func (s *Supervisor) isCurrentPoller(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state == StatePolling
}

func (s *Supervisor) stopPoller() {
	h := s.handle
	if h == nil {
		return
	}
	s.handle = nil
	h.cancel()
	<-h.done
}

func (s *Supervisor) onSignal(ctx context.Context, sig status.Signal) error {
	s.mu.Lock()
	current := s.gen
	state := s.state
	s.mu.Unlock()

	if sig.Type != status.SignalStatusFalse || sig.Generation != current || state != StatePolling {
		s.mu.Lock()
		s.staleDiscarded++
		s.mu.Unlock()
		s.log.Debug("signal discarded", logx.Uint64("gen", sig.Generation), logx.Uint64("current", current), logx.String("state", state.String()))
		return nil
	}

	s.setState(StateAwaitingAck)
	s.bus.Publish(eventbus.Event{Type: eventbus.BottleEmpty, Data: sig.Data})

	ref, err := s.announcer.Announce(ctx, sig.Data)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("cycle: %w", err)
	}

	e := ack.Entry{Message: ref, PostedAt: s.now(), BottleID: sig.Data.ID(), CycleID: uuid.NewString()}
	s.watcher.Watch(e)
	s.mu.Lock()
	s.announcements++
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.AnnouncementPosted, Data: e})
	s.log.Info("awaiting acknowledgement", logx.String("message", ref.Key()), logx.String("cycle", e.CycleID))
	return nil
}

func (s *Supervisor) onCompletion(ctx context.Context, c ack.Completion) error {
	s.mu.Lock()
	state := s.state
	if state == StateAwaitingAck {
		s.acknowledged++
		s.last = &c
	}
	s.mu.Unlock()

	s.writeJournal(ctx, storage.CycleRecord{
		ID:          c.Entry.CycleID,
		BottleID:    c.Entry.BottleID,
		Message:     c.Entry.Message.Key(),
		AnnouncedAt: c.Entry.PostedAt,
		ClosedAt:    c.At,
		ElapsedMS:   c.Elapsed.Milliseconds(),
		UserID:      c.User.ID,
		UserName:    c.User.RecordName(),
		Outcome:     storage.OutcomeAcknowledged,
	})

	if state != StateAwaitingAck {
		s.log.Warn("completion while not awaiting acknowledgement", logx.String("state", state.String()))
		return nil
	}
	return s.restartIfIdle()
}

func (s *Supervisor) onExpireTick(ctx context.Context, now time.Time) error {
	expired := s.watcher.Expire(now)
	if len(expired) == 0 {
		return nil
	}
	for _, e := range expired {
		s.writeJournal(ctx, storage.CycleRecord{
			ID:          e.CycleID,
			BottleID:    e.BottleID,
			Message:     e.Message.Key(),
			AnnouncedAt: e.PostedAt,
			ClosedAt:    now,
			ElapsedMS:   now.Sub(e.PostedAt).Milliseconds(),
			Outcome:     storage.OutcomeExpired,
		})
	}
	s.mu.Lock()
	s.expired += uint64(len(expired))
	state := s.state
	s.mu.Unlock()

	if state != StateAwaitingAck {
		return nil
	}
	return s.restartIfIdle()
}

// restartIfIdle resumes polling once nothing is left to acknowledge.
func (s *Supervisor) restartIfIdle() error {
	if open := s.watcher.Open(); len(open) > 0 {
		s.log.Debug("acknowledgements still open", logx.Int("open", len(open)))
		return nil
	}
	return s.start()
}

func (s *Supervisor) writeJournal(ctx context.Context, r storage.CycleRecord) {
	if s.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JournalTimeout)
	defer cancel()
	if err := s.journal.AppendCycle(jctx, r); err != nil {
		s.log.Warn("cycle journal write failed", logx.String("cycle", r.ID), logx.Err(err))
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("cycle state", logx.String("from", prev.String()), logx.String("to", st.String()))
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:          s.state,
		Generation:     s.gen,
		PollerRunning:  s.state == StatePolling,
		Announcements:  s.announcements,
		Acknowledged:   s.acknowledged,
		Expired:        s.expired,
		StaleDiscarded: s.staleDiscarded,
	}
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	s.mu.Unlock()
	snap.Open = s.watcher.Open()
	return snap
}
