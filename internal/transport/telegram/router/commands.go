package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"bottlebot/internal/runtime/supervisor"
	kit "bottlebot/internal/transport"
	logx "bottlebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply posts HTML text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ReactionFunc handles one reaction update.
type ReactionFunc func(ctx context.Context, r kit.Reaction)

type Options struct {
	Workers  int
	QueueCap int
}

// CommandManager routes text commands to a bounded worker pool and hands
// reactions to a ReactionFunc, one supervised goroutine per reaction.
type CommandManager struct {
	mu sync.RWMutex

	cmds  map[string]*Command
	alias map[string]*Command
	order []string

	owners []int64

	log    logx.Logger
	sender kit.Sender
	opt    Options

	onReaction ReactionFunc

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender kit.Sender, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.QueueCap <= 0 {
		opt.QueueCap = 64
	}
	return &CommandManager{
		cmds:   map[string]*Command{},
		alias:  map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sender: sender,
		opt:    opt,
		jobs:   make(chan func(), opt.QueueCap),
	}
}

// OnReaction sets the reaction handler. Call before DispatchLoop.
func (m *CommandManager) OnReaction(fn ReactionFunc) { m.onReaction = fn }

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetRegistry replaces the command set. /help is always added. The returned
// menu is what UpdateMenu publishes.
func (m *CommandManager) SetRegistry(cmds []Command) []kit.BotCommand {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]string, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; dup {
			m.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		byName[name] = &c
		order = append(order, name)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := byName[a]; taken {
				continue
			}
			alias[a] = &c
			if sa := sanitizeTelegramCommand(a); sa != "" && sa != a {
				if _, exists := alias[sa]; !exists {
					alias[sa] = &c
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.order = order
	m.mu.Unlock()

	return buildTelegramMenuCommands(byName, order)
}

// UpdateMenu publishes menu if the sender supports it. Best effort.
func (m *CommandManager) UpdateMenu(ctx context.Context, menu []kit.BotCommand) {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)

	m.log.Info("dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.worker(c, idx)
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, sup, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-m.jobs:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *CommandManager) route(ctx context.Context, sup *supervisor.Supervisor, up kit.Update) {
	switch up.Kind {
	case kit.UpdateReaction:
		if up.Reaction == nil || m.onReaction == nil {
			return
		}
		r := *up.Reaction
		sup.Go0("reaction."+r.Message.Key(), func(c context.Context) {
			m.onReaction(c, r)
		})
	case kit.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, *up.Message)
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		_, _ = m.sender.SendText(ctx, to, "Unknown command. Try /help", nil)
		return
	}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && len(owners) > 0 && !isOwner(msg.FromID, owners) {
		_, _ = m.sender.SendText(ctx, to, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, to, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
