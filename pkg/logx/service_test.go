package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "bottlebot/internal/transport"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fields sorted",
			in:   `{"level":"warn","time":"x","message":"status query failed","err":"timeout","comp":"status"}`,
			want: "[WARN] status query failed\n- comp=status\n- err=timeout",
		},
		{name: "not json", in: "plain line\n", want: "plain line"},
		{name: "no level", in: `{"message":"hi"}`, want: "hi"},
	}
	for _, tt := range tests {
		if got := formatChatLine([]byte(tt.in)); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("a", 20), 12); got != strings.Repeat("a", 9)+"..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	to   []kit.ChatTarget
	got  chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.to = append(r.to, to)
	r.mu.Unlock()
	r.got <- struct{}{}
	return kit.MessageRef{}, nil
}

func TestChatSinkHonorsMinLevel(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", File: FileConfig{}, Chat: ChatConfig{MinLevel: "error", RatePerSec: 10}}, rs)
	svc.SetChatTarget(-100, 3)
	svc.Apply(Config{Level: "debug", Chat: ChatConfig{Enabled: true, ThreadID: 3, MinLevel: "error", RatePerSec: 10}})
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("announcement failed", String("bottle_id", "AC07-1"))

	select {
	case <-rs.got:
	case <-time.After(2 * time.Second):
		t.Fatal("error line not forwarded")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.msgs) != 1 || !strings.HasPrefix(rs.msgs[0], "[ERROR] announcement failed") {
		t.Fatalf("forwarded = %q", rs.msgs)
	}
	if rs.to[0] != (kit.ChatTarget{ChatID: -100, ThreadID: 3}) {
		t.Fatalf("target = %+v", rs.to[0])
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{"": true, "info": true, "WARN": true, "loud": false} {
		if got := ValidLevel(in); got != want {
			t.Fatalf("ValidLevel(%q) = %v", in, got)
		}
	}
}
