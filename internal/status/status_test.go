package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "bottlebot/pkg/logx"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []func() (Snapshot, error)
	calls atomic.Int64
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n - 1)
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx]()
}

func fail() (Snapshot, error) { return Snapshot{}, errors.New("connection refused") }
func full() (Snapshot, error) { return Snapshot{BottleStatus: "true", BottleID: "AC07-1"}, nil }
func empty() (Snapshot, error) {
	return Snapshot{BottleStatus: "false", BottleID: "AC07-1"}, nil
}

func newTestPoller(t *testing.T, f Fetcher) *Poller {
	t.Helper()
	p, err := NewPoller(PollerConfig{Schedule: Every(5 * time.Millisecond), Timeout: time.Second, Generation: 7}, f, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p
}

func TestSnapshotEmptyComparesLiteralString(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{"false": true, "true": false, "False": false, "": false, "0": false}
	for in, want := range cases {
		if got := (Snapshot{BottleStatus: in}).Empty(); got != want {
			t.Fatalf("Empty(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClientFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/bottlestatus" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"BottleStatus":"false","BottleID":"AC07-1"}`))
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL+"/", nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !snap.Empty() || snap.ID() != "AC07-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestClientFetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "server error", code: http.StatusInternalServerError, body: `{}`},
		{name: "bad json", code: http.StatusOK, body: `{"BottleStatus":`},
		{name: "boolean status", code: http.StatusOK, body: `{"BottleStatus":false,"BottleID":"x"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			if _, err := NewClient(srv.URL, nil).Fetch(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPollerSurvivesFailuresAndEmitsOnce(t *testing.T) {
	t.Parallel()
	f := &scriptedFetcher{steps: []func() (Snapshot, error){fail, fail, full, fail, empty, empty}}
	p := newTestPoller(t, f)

	out := make(chan Signal, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("poller did not return on its own")
	}
	if len(out) != 1 {
		t.Fatalf("signals = %d, want 1", len(out))
	}
	sig := <-out
	if sig.Type != SignalStatusFalse || sig.Data.BottleID != "AC07-1" || sig.Generation != 7 {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if got := f.calls.Load(); got != 5 {
		t.Fatalf("fetch calls = %d, want 5 (stops right after the empty reading)", got)
	}
}

func TestPollerKeepsRunningWhileFull(t *testing.T) {
	t.Parallel()
	f := &scriptedFetcher{steps: []func() (Snapshot, error){full}}
	p := newTestPoller(t, f)

	out := make(chan Signal, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx, out)
	if len(out) != 0 {
		t.Fatal("no signal expected while the bottle is full")
	}
	if f.calls.Load() < 3 {
		t.Fatalf("expected repeated polling, got %d calls", f.calls.Load())
	}
}

func TestPollerDiscardsResultAfterStop(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f := &scriptedFetcher{steps: []func() (Snapshot, error){func() (Snapshot, error) {
		once.Do(func() { close(started) })
		<-release
		return empty()
	}}}
	p := newTestPoller(t, f)

	out := make(chan Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, out)
	}()

	<-started
	cancel()
	close(release)
	<-done
	if len(out) != 0 {
		t.Fatal("a superseded poller must not emit")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		next time.Time
	}{
		{raw: "5s", next: base.Add(5 * time.Second)},
		{raw: "interval:250ms", next: base.Add(250 * time.Millisecond)},
		{raw: "00:05", next: base.Add(5 * time.Minute)},
		{raw: "@every 5s", next: base.Add(5 * time.Second)},
		{raw: "cron:*/10 * * * * *", next: base.Add(10 * time.Second)},
		{raw: "0 * * * *", next: base.Add(time.Hour)},
	}
	for _, tt := range tests {
		sched, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got := sched.Next(base); !got.Equal(tt.next) {
			t.Fatalf("ParseSchedule(%q).Next = %v, want %v", tt.raw, got, tt.next)
		}
	}

	for _, bad := range []string{"", "soon", "-5s", "00:75", "cron:"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", bad)
		}
	}
}
