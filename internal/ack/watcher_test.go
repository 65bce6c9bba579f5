package ack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bottlebot/internal/announce"
	"bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeConfirmer) Confirm(ctx context.Context, at transport.MessageRef, who announce.HTML, seconds string) error {
	f.mu.Lock()
	f.calls = append(f.calls, seconds)
	f.mu.Unlock()
	return f.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeRecorder) Record(user string) {
	f.mu.Lock()
	f.names = append(f.names, user)
	f.mu.Unlock()
}

var (
	msgA   = transport.MessageRef{ChatID: -100, MessageID: 1}
	msgB   = transport.MessageRef{ChatID: -100, MessageID: 2}
	posted = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newWatcher(t *testing.T, cfg Config) (*Watcher, *fakeConfirmer, *fakeRecorder) {
	t.Helper()
	if cfg.Emoji == "" {
		cfg.Emoji = transport.CustomEmoji("42")
	}
	fc, fr := &fakeConfirmer{}, &fakeRecorder{}
	w, err := New(cfg, fc, fr, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return w, fc, fr
}

func reaction(ref transport.MessageRef, emoji string) transport.Reaction {
	return transport.Reaction{Message: ref, Emoji: emoji, FromID: 7, FromUsername: "U1", FromName: "User One"}
}

func TestMatchingReactionCompletesCycle(t *testing.T) {
	t.Parallel()
	w, fc, fr := newWatcher(t, Config{})
	w.now = func() time.Time { return posted.Add(12340 * time.Millisecond) }
	w.Watch(Entry{Message: msgA, PostedAt: posted, BottleID: "AC07-1"})

	if got := w.OnReaction(context.Background(), reaction(msgA, "custom:42")); got != OutcomeMatched {
		t.Fatalf("outcome = %v", got)
	}
	if len(w.Open()) != 0 {
		t.Fatal("entry not removed")
	}
	if len(fc.calls) != 1 || fc.calls[0] != "12.34" {
		t.Fatalf("confirmations = %v, want [12.34]", fc.calls)
	}
	if len(fr.names) != 1 || fr.names[0] != "U1" {
		t.Fatalf("recorded = %v, want [U1]", fr.names)
	}
	select {
	case c := <-w.Completions():
		if c.Seconds != "12.34" || c.Entry.BottleID != "AC07-1" || c.User.ID != 7 {
			t.Fatalf("completion = %+v", c)
		}
	default:
		t.Fatal("no completion")
	}
}

func TestReactionWithoutThreadMatchesTopicMessage(t *testing.T) {
	t.Parallel()
	w, _, _ := newWatcher(t, Config{})
	inTopic := transport.MessageRef{ChatID: -100, ThreadID: 9, MessageID: 3}
	w.Watch(Entry{Message: inTopic, PostedAt: posted})

	ev := reaction(transport.MessageRef{ChatID: -100, MessageID: 3}, "custom:42")
	if got := w.OnReaction(context.Background(), ev); got != OutcomeMatched {
		t.Fatalf("outcome = %v", got)
	}
	if c := <-w.Completions(); c.Entry.Message != inTopic {
		t.Fatalf("entry ref = %+v, want thread kept", c.Entry.Message)
	}
}

func TestSecondReactionIsIgnored(t *testing.T) {
	t.Parallel()
	w, fc, fr := newWatcher(t, Config{})
	w.Watch(Entry{Message: msgA, PostedAt: posted})

	ctx := context.Background()
	w.OnReaction(ctx, reaction(msgA, "custom:42"))
	if got := w.OnReaction(ctx, reaction(msgA, "custom:42")); got != OutcomeIgnoredUnwatched {
		t.Fatalf("outcome = %v", got)
	}
	if len(fc.calls) != 1 || len(fr.names) != 1 {
		t.Fatalf("confirmations=%d recordings=%d, want 1 each", len(fc.calls), len(fr.names))
	}
}

func TestIgnoredReactionsLeaveSetUnchanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   transport.Reaction
		want Outcome
	}{
		{name: "bot", ev: transport.Reaction{Message: msgA, Emoji: "custom:42", IsBot: true}, want: OutcomeIgnoredSelf},
		{name: "wrong emoji", ev: reaction(msgA, "👍"), want: OutcomeIgnoredEmoji},
		{name: "wrong custom emoji", ev: reaction(msgA, "custom:43"), want: OutcomeIgnoredEmoji},
		{name: "unwatched message", ev: reaction(msgB, "custom:42"), want: OutcomeIgnoredUnwatched},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, fc, fr := newWatcher(t, Config{})
			w.Watch(Entry{Message: msgA, PostedAt: posted})

			if got := w.OnReaction(context.Background(), tt.ev); got != tt.want {
				t.Fatalf("outcome = %v, want %v", got, tt.want)
			}
			if open := w.Open(); len(open) != 1 || open[0].Message != msgA {
				t.Fatalf("open set changed: %+v", open)
			}
			if len(fc.calls) != 0 || len(fr.names) != 0 {
				t.Fatal("ignored reaction had side effects")
			}
		})
	}
}

func TestPlainEmojiIgnoresVariationSelector(t *testing.T) {
	t.Parallel()
	w, _, _ := newWatcher(t, Config{Emoji: "❤️"})
	w.Watch(Entry{Message: msgA, PostedAt: posted})
	if got := w.OnReaction(context.Background(), reaction(msgA, "❤")); got != OutcomeMatched {
		t.Fatalf("outcome = %v", got)
	}
}

func TestConcurrentReactionsCompleteOnce(t *testing.T) {
	t.Parallel()
	w, fc, _ := newWatcher(t, Config{})
	w.Watch(Entry{Message: msgA, PostedAt: posted})

	var matched atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.OnReaction(context.Background(), reaction(msgA, "custom:42")) == OutcomeMatched {
				matched.Add(1)
			}
		}()
	}
	wg.Wait()
	if matched.Load() != 1 || len(fc.calls) != 1 {
		t.Fatalf("matched=%d confirmations=%d, want 1", matched.Load(), len(fc.calls))
	}
}

func TestConfirmFailureStillCompletes(t *testing.T) {
	t.Parallel()
	w, fc, fr := newWatcher(t, Config{})
	fc.err = errors.New("flood wait")
	w.Watch(Entry{Message: msgA, PostedAt: posted})

	if got := w.OnReaction(context.Background(), reaction(msgA, "custom:42")); got != OutcomeMatched {
		t.Fatalf("outcome = %v", got)
	}
	c := <-w.Completions()
	if c.ConfirmErr == nil {
		t.Fatal("ConfirmErr not set")
	}
	if len(fr.names) != 1 {
		t.Fatal("user not recorded")
	}
}

func TestExpire(t *testing.T) {
	t.Parallel()
	w, _, _ := newWatcher(t, Config{ExpireAfter: time.Minute})
	w.Watch(Entry{Message: msgA, PostedAt: posted})
	w.Watch(Entry{Message: msgB, PostedAt: posted.Add(50 * time.Second)})

	got := w.Expire(posted.Add(time.Minute))
	if len(got) != 1 || got[0].Message != msgA {
		t.Fatalf("expired = %+v", got)
	}
	if open := w.Open(); len(open) != 1 || open[0].Message != msgB {
		t.Fatalf("open = %+v", open)
	}

	off, _, _ := newWatcher(t, Config{})
	off.Watch(Entry{Message: msgA, PostedAt: posted})
	if got := off.Expire(posted.Add(24 * time.Hour)); got != nil {
		t.Fatal("expiry disabled by default")
	}
}

func TestFormatSeconds(t *testing.T) {
	t.Parallel()
	tests := map[time.Duration]string{
		12340 * time.Millisecond: "12.34",
		0:                        "0.00",
		-time.Second:             "0.00",
		1005 * time.Millisecond:  "1.00",
		90 * time.Second:         "90.00",
	}
	for d, want := range tests {
		if got := FormatSeconds(d); got != want {
			t.Fatalf("FormatSeconds(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestRecordName(t *testing.T) {
	t.Parallel()
	if got := (User{ID: 1, Username: "u", Name: "N"}).RecordName(); got != "u" {
		t.Fatal(got)
	}
	if got := (User{ID: 1, Name: "N"}).RecordName(); got != "N" {
		t.Fatal(got)
	}
	if got := (User{ID: 1}).RecordName(); got != "1" {
		t.Fatal(got)
	}
}
