// Package ack tracks posted announcements and matches acknowledgement
// reactions against them.
package ack

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"bottlebot/internal/announce"
	"bottlebot/internal/eventbus"
	"bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

// Confirmer posts the confirmation message. *announce.Dispatcher implements it.
type Confirmer interface {
	Confirm(ctx context.Context, at transport.MessageRef, who announce.HTML, seconds string) error
}

// Recorder reports the acknowledging user. Record must not block.
type Recorder interface {
	Record(user string)
}

type Config struct {
	// Emoji is the acknowledgement reaction in transport.Reaction form:
	// a plain emoji or transport.CustomEmoji(id).
	Emoji string

	// ExpireAfter, when > 0, makes Expire drop entries older than this.
	ExpireAfter time.Duration
}

// Watcher owns the open watch set. All methods are safe for concurrent use;
// claiming an entry is atomic, so of two concurrent matching reactions only
// one completes the cycle.
type Watcher struct {
	cfg       Config
	emoji     string
	confirmer Confirmer
	recorder  Recorder
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time

	done chan Completion

	mu   sync.Mutex
	open map[transport.MessageRef]Entry
}

func New(cfg Config, confirmer Confirmer, recorder Recorder, log logx.Logger, bus eventbus.Bus) (*Watcher, error) {
	if strings.TrimSpace(cfg.Emoji) == "" {
		return nil, errors.New("ack: emoji required")
	}
	if confirmer == nil {
		return nil, errors.New("ack: confirmer required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Watcher{
		cfg:       cfg,
		emoji:     normalizeEmoji(cfg.Emoji),
		confirmer: confirmer,
		recorder:  recorder,
		log:       log,
		bus:       bus,
		now:       time.Now,
		done:      make(chan Completion, 4),
		open:      map[transport.MessageRef]Entry{},
	}, nil
}

// Completions delivers one Completion per acknowledged entry.
func (w *Watcher) Completions() <-chan Completion { return w.done }

// Watch registers e, replacing any entry for the same message.
func (w *Watcher) Watch(e Entry) {
	if e.PostedAt.IsZero() {
		e.PostedAt = w.now()
	}
	w.mu.Lock()
	w.open[msgKey(e.Message)] = e
	n := len(w.open)
	w.mu.Unlock()
	w.log.Debug("watching announcement", logx.String("message", e.Message.Key()), logx.Int("open", n))
}

// Open returns the watched entries, oldest first.
func (w *Watcher) Open() []Entry {
	w.mu.Lock()
	out := make([]Entry, 0, len(w.open))
	for _, e := range w.open {
		out = append(out, e)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out
}

// Forget removes the entry for ref, if any.
func (w *Watcher) Forget(ref transport.MessageRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.open[msgKey(ref)]
	delete(w.open, msgKey(ref))
	return ok
}

// Expire removes and returns the entries older than Config.ExpireAfter.
// It is a no-op when expiry is disabled.
func (w *Watcher) Expire(now time.Time) []Entry {
	if w.cfg.ExpireAfter <= 0 {
		return nil
	}
	var out []Entry
	w.mu.Lock()
	for ref, e := range w.open {
		if now.Sub(e.PostedAt) >= w.cfg.ExpireAfter {
			out = append(out, e)
			delete(w.open, ref)
		}
	}
	w.mu.Unlock()
	for _, e := range out {
		w.log.Info("announcement expired", logx.String("message", e.Message.Key()), logx.Duration("age", now.Sub(e.PostedAt)))
		w.bus.Publish(eventbus.Event{Type: eventbus.AckExpired, Data: e})
	}
	return out
}

// OnReaction handles one added reaction. Only a matching reaction from a
// non-bot account on a watched message completes a cycle: the entry is
// claimed, the confirmation posted, the user recorded and a Completion sent.
func (w *Watcher) OnReaction(ctx context.Context, ev transport.Reaction) Outcome {
	log := w.log.With(logx.String("message", ev.Message.Key()), logx.String("emoji", ev.Emoji), logx.Int64("user_id", ev.FromID))

	if ev.IsBot {
		log.Debug("reaction ignored: bot")
		return w.ignored(OutcomeIgnoredSelf)
	}
	if normalizeEmoji(ev.Emoji) != w.emoji {
		log.Info("reaction ignored: not the acknowledgement emoji")
		return w.ignored(OutcomeIgnoredEmoji)
	}

	at := w.now()
	entry, ok := w.claim(ev.Message)
	if !ok {
		log.Info("reaction ignored: message not watched")
		return w.ignored(OutcomeIgnoredUnwatched)
	}

	user := User{ID: ev.FromID, Username: ev.FromUsername, Name: ev.FromName}
	elapsed := at.Sub(entry.PostedAt)
	c := Completion{Entry: entry, User: user, At: at, Elapsed: elapsed, Seconds: FormatSeconds(elapsed)}
	log.Info("bottle replacement acknowledged", logx.String("user", user.RecordName()), logx.String("seconds", c.Seconds))

	if err := w.confirmer.Confirm(ctx, entry.Message, user.Mention(), c.Seconds); err != nil {
		c.ConfirmErr = err
		log.Error("failed to send confirmation", logx.Err(err))
	}
	if w.recorder != nil {
		w.recorder.Record(user.RecordName())
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.AckMatched, Time: at, Data: c})

	select {
	case w.done <- c:
	case <-ctx.Done():
		log.Warn("completion not delivered", logx.Err(ctx.Err()))
	}
	return OutcomeMatched
}

func (w *Watcher) claim(ref transport.MessageRef) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := msgKey(ref)
	e, ok := w.open[k]
	if ok {
		delete(w.open, k)
	}
	return e, ok
}

func (w *Watcher) ignored(o Outcome) Outcome {
	w.bus.Publish(eventbus.Event{Type: eventbus.AckIgnored, Data: o.String()})
	return o
}

// msgKey drops the thread id: reaction updates don't carry it, and a message
// id is unique within its chat.
func msgKey(r transport.MessageRef) transport.MessageRef {
	r.ThreadID = 0
	return r
}

// normalizeEmoji drops variation selectors so "❤" and "❤️" compare equal.
func normalizeEmoji(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\uFE0F", "")
}
