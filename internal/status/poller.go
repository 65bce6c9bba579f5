package status

import (
	"context"
	"errors"
	"time"

	"bottlebot/internal/eventbus"
	logx "bottlebot/pkg/logx"
)

// Fetcher reads one Snapshot. *Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

type PollerConfig struct {
	Schedule Schedule

	// Timeout bounds one query. Queries are not canceled when the poller is
	// stopped; they run to completion (or timeout) and the result is dropped.
	Timeout time.Duration

	Generation uint64
}

// Poller queries a Fetcher on a schedule until the bottle is empty.
type Poller struct {
	cfg     PollerConfig
	fetcher Fetcher
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

func NewPoller(cfg PollerConfig, fetcher Fetcher, log logx.Logger, bus eventbus.Bus) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("status: fetcher required")
	}
	if cfg.Schedule == nil {
		return nil, errors.New("status: schedule required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log.With(logx.Uint64("gen", cfg.Generation)),
		bus:     bus,
		now:     time.Now,
	}, nil
}

// Run polls until it sees an empty bottle or ctx is canceled. On an empty
// reading it sends exactly one Signal to out and returns. Failed queries are
// logged and retried at the next scheduled tick.
func (p *Poller) Run(ctx context.Context, out chan<- Signal) error {
	p.log.Info("poller started")
	p.bus.Publish(eventbus.Event{Type: eventbus.PollerStarted, Data: p.cfg.Generation})
	defer func() {
		p.log.Debug("poller stopped")
		p.bus.Publish(eventbus.Event{Type: eventbus.PollerStopped, Data: p.cfg.Generation})
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		now := p.now()
		timer.Reset(p.cfg.Schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		snap, err := p.query(ctx)
		if ctx.Err() != nil {
			p.log.Debug("poller superseded; result discarded")
			return nil
		}
		if err != nil {
			p.log.Warn("status query failed", logx.Err(err))
			p.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: err.Error()})
			continue
		}
		p.log.Debug("status query result", logx.String("bottle_status", snap.BottleStatus), logx.String("bottle_id", snap.BottleID))
		if !snap.Empty() {
			continue
		}

		p.log.Info("bottle empty", logx.String("bottle_id", snap.BottleID))
		sig := Signal{Type: SignalStatusFalse, Data: snap, Generation: p.cfg.Generation, At: p.now()}
		select {
		case out <- sig:
		case <-ctx.Done():
		}
		return nil
	}
}

// query detaches from ctx's cancellation so stopping the poller never aborts
// a request in flight.
func (p *Poller) query(ctx context.Context) (Snapshot, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()
	return p.fetcher.Fetch(qctx)
}
