// Package announce posts the cycle's chat messages: the empty-bottle
// announcement, the replacement confirmation and the error notice.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bottlebot/internal/status"
	"bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

// ErrDispatch wraps a failed announcement. The caller treats it as fatal.
var ErrDispatch = errors.New("announcement dispatch failed")

const noticeTimeout = 10 * time.Second

type Config struct {
	Target transport.ChatTarget

	// Emoji and CustomEmojiID name the acknowledgement reaction shown in the
	// announcement.
	Emoji         string
	CustomEmojiID string
}

type Dispatcher struct {
	cfg    Config
	sender transport.Sender
	log    logx.Logger
}

func New(cfg Config, sender transport.Sender, log logx.Logger) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("announce: sender required")
	}
	if cfg.Target.ChatID == 0 {
		return nil, errors.New("announce: target chat required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, sender: sender, log: log}, nil
}

func (d *Dispatcher) Target() transport.ChatTarget { return d.cfg.Target }

// Announce posts the empty-bottle message. On failure it posts one
// best-effort plain notice to the same chat and returns an error wrapping
// ErrDispatch.
func (d *Dispatcher) Announce(ctx context.Context, snap status.Snapshot) (transport.MessageRef, error) {
	text := d.renderAnnouncement(snap)
	ref, err := d.sender.SendText(ctx, d.cfg.Target, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		d.log.Error("failed to send announcement", logx.String("bottle_id", snap.ID()), logx.Err(err))
		d.notifyError(ctx, err)
		return transport.MessageRef{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	d.log.Info("announcement sent", logx.String("message", ref.Key()), logx.String("bottle_id", snap.ID()))
	return ref, nil
}

// Confirm posts the replacement confirmation next to the announcement.
// seconds is the elapsed time already formatted with two decimals.
func (d *Dispatcher) Confirm(ctx context.Context, at transport.MessageRef, who HTML, seconds string) error {
	to := at.Target()
	if to.ChatID == 0 {
		to = d.cfg.Target
	}
	text := Join("\n",
		B("Bottle replaced!"),
		who+Esc(" replaced the bottle."),
		Esc("Time to replacement: "+seconds+" seconds."),
	)
	if _, err := d.sender.SendText(ctx, to, text.String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

func (d *Dispatcher) renderAnnouncement(snap status.Snapshot) string {
	title := "The bottle is empty."
	if id := strings.TrimSpace(snap.ID()); id != "" {
		title = "Bottle " + id + " is empty."
	}
	return Join("\n",
		B(title),
		Esc("Whoever replaces it, please react to this message with ")+Emoji(d.cfg.Emoji, d.cfg.CustomEmojiID)+Esc("!"),
	).String()
}

// notifyError is best effort; its own failure is only logged. It runs even
// when ctx is already canceled.
func (d *Dispatcher) notifyError(ctx context.Context, cause error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	if _, err := d.sender.SendText(nctx, d.cfg.Target, "An error occurred: "+cause.Error(), nil); err != nil {
		d.log.Error("failed to notify error", logx.Err(err))
	}
}
