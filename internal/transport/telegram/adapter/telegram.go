package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "bottlebot/internal/runtime/supervisor"
	kit "bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// allowedUpdates must name message_reaction explicitly; Telegram omits it by
// default.
var allowedUpdates = []string{"message", "message_reaction", "callback_query"}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	// Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	// updates dropped because the consumer was slower than the poll loop
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	return newAdapter(cfg, log, false)
}

// newAdapter builds the bot; offline skips the getMe call.
func newAdapter(cfg Config, log logx.Logger, offline bool) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}

	// telebot has no handler endpoint for message_reaction, so reactions are
	// taken off the raw update stream before routing.
	poller := tele.NewMiddlewarePoller(&tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates}, a.intercept)
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  poller,
		Offline: offline,
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Self returns the bot account id.
func (a *Adapter) Self() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	})
}

// intercept is the poller filter. Reaction updates are forwarded here and
// kept from the router; everything else passes through.
func (a *Adapter) intercept(u *tele.Update) bool {
	if u == nil || u.MessageReaction == nil {
		return true
	}
	for _, r := range reactionsFrom(u.MessageReaction, a.Self()) {
		a.sendReaction(r)
	}
	return false
}

// reactionsFrom converts one reaction change into one Reaction per newly
// added emoji. Removed reactions produce nothing.
func reactionsFrom(mr *tele.MessageReaction, self int64) []kit.Reaction {
	if mr == nil || mr.Chat == nil {
		return nil
	}
	old := make(map[string]struct{}, len(mr.OldReaction))
	for _, r := range mr.OldReaction {
		old[reactionEmoji(r)] = struct{}{}
	}

	base := kit.Reaction{Message: kit.MessageRef{ChatID: mr.Chat.ID, MessageID: mr.MessageID}}
	switch {
	case mr.User != nil:
		base.FromID = mr.User.ID
		base.FromUsername = mr.User.Username
		base.FromName = strings.TrimSpace(mr.User.FirstName + " " + mr.User.LastName)
		base.IsBot = mr.User.IsBot || (self != 0 && mr.User.ID == self)
	case mr.ActorChat != nil:
		// anonymous admin or channel: the chat reacted, not a person
		base.FromID = mr.ActorChat.ID
		base.FromUsername = mr.ActorChat.Username
		base.FromName = mr.ActorChat.Title
	}

	var out []kit.Reaction
	for _, r := range mr.NewReaction {
		e := reactionEmoji(r)
		if e == "" {
			continue
		}
		if _, had := old[e]; had {
			continue
		}
		ev := base
		ev.Emoji = e
		out = append(out, ev)
	}
	return out
}

func reactionEmoji(r tele.Reaction) string {
	if r.CustomEmojiID != "" {
		return kit.CustomEmoji(r.CustomEmojiID)
	}
	return r.Emoji
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// reactionSendWait bounds how long the poll loop waits on a full update
// channel before dropping a reaction.
const reactionSendWait = 5 * time.Second

// sendReaction blocks up to reactionSendWait; a lost acknowledgement would
// leave the cycle waiting.
func (a *Adapter) sendReaction(r kit.Reaction) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	up := kit.Update{Kind: kit.UpdateReaction, Reaction: &r}
	select {
	case out <- up:
		return
	default:
	}

	t := time.NewTimer(reactionSendWait)
	defer t.Stop()
	select {
	case out <- up:
	case <-a.runContext().Done():
	case <-t.C:
		a.droppedUpdates.Add(1)
		a.log.Warn("reaction dropped (channel full)",
			logx.String("msg", r.Message.Key()),
			logx.String("emoji", r.Emoji),
			logx.Int64("from_id", r.FromID),
		)
	}
}

func (a *Adapter) runContext() context.Context {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; in some failure modes it returns early, so
	// it runs under a restart loop.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()
	go a.bot.Stop()

	// keep shutdown snappy even if getUpdates is still waiting
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts. It
// prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText posts text, split into several messages if needed. The returned
// ref is the first message's.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands replaces the bot's command menu. It only calls Telegram
// when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
