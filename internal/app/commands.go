package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"bottlebot/internal/announce"
	"bottlebot/internal/cycle"
	"bottlebot/internal/storage"
	"bottlebot/internal/task/engine"
	"bottlebot/internal/transport/telegram/router"
)

const (
	defaultHistory = 5
	maxHistory     = 50
)

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "status",
			Aliases:     []string{"st"},
			Description: "show the monitor state",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     5 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, renderStatus(a.cycle.Snapshot(), a.engine.Snapshot(), time.Now()))
			},
		},
		{
			Name:        "history",
			Description: "list recent replacement cycles",
			Usage:       "/history [n]",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				n, err := historyCount(req.Args)
				if err != nil {
					return req.Reply(ctx, "Usage: <code>/history [n]</code> (1-"+strconv.Itoa(maxHistory)+")")
				}
				if a.store == nil {
					return req.Reply(ctx, "The cycle journal is disabled (no <code>storage</code> section).")
				}
				recs, err := a.store.RecentCycles(ctx, n)
				if err != nil {
					_ = req.Reply(ctx, "Could not read the journal.")
					return err
				}
				return req.Reply(ctx, renderHistory(recs, time.Now()))
			},
		},
	}
}

func historyCount(args []string) (int, error) {
	if len(args) == 0 {
		return defaultHistory, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, err
	}
	if n < 1 || n > maxHistory {
		return 0, fmt.Errorf("history: n out of range: %d", n)
	}
	return n, nil
}

func renderStatus(s cycle.Snapshot, e engine.Snapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString("🍼 <b>Bottle monitor</b>\n")
	fmt.Fprintf(&b, "State: <code>%s</code> (generation %d)\n", s.State, s.Generation)

	if len(s.Open) == 0 {
		b.WriteString("Open announcements: none\n")
	} else {
		fmt.Fprintf(&b, "Open announcements: %d\n", len(s.Open))
		for _, o := range s.Open {
			fmt.Fprintf(&b, "• bottle %s, posted %s\n", announce.Code(o.BottleID), humanize.RelTime(o.PostedAt, now, "ago", "from now"))
		}
	}

	fmt.Fprintf(&b, "Announced: %s, acknowledged: %s, expired: %s\n",
		humanize.Comma(int64(s.Announcements)),
		humanize.Comma(int64(s.Acknowledged)),
		humanize.Comma(int64(s.Expired)))

	if l := s.Last; l != nil {
		fmt.Fprintf(&b, "Last replacement: %s in %s s, %s\n",
			l.User.Mention(), l.Seconds, humanize.RelTime(l.At, now, "ago", "from now"))
	}

	fmt.Fprintf(&b, "Recorder: queue %d/%d, sent %s, failed %s",
		e.QueueLen, e.QueueCap, humanize.Comma(int64(e.Succeeded)), humanize.Comma(int64(e.Failed)))
	if e.Dropped > 0 {
		fmt.Fprintf(&b, ", dropped %s", humanize.Comma(int64(e.Dropped)))
	}
	return b.String()
}

func renderHistory(recs []storage.CycleRecord, now time.Time) string {
	if len(recs) == 0 {
		return "No finished cycles yet."
	}
	lines := make([]string, 0, len(recs)+1)
	lines = append(lines, "📜 <b>Recent cycles</b>")
	for _, r := range recs {
		when := humanize.RelTime(r.AnnouncedAt, now, "ago", "from now")
		switch r.Outcome {
		case storage.OutcomeAcknowledged:
			lines = append(lines, fmt.Sprintf("• %s: bottle %s replaced by %s in %.2f s",
				when, announce.Code(r.BottleID), announce.Esc(r.UserName), r.Elapsed().Seconds()))
		default:
			lines = append(lines, fmt.Sprintf("• %s: bottle %s %s after %s",
				when, announce.Code(r.BottleID), announce.Esc(r.Outcome), r.Elapsed().Round(time.Second)))
		}
	}
	return strings.Join(lines, "\n")
}
