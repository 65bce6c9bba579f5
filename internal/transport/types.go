package transport

import (
	"context"
	"strconv"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// Reaction is one newly added reaction on a message. Adapters emit one
// Reaction per added emoji; removals are not reported.
type Reaction struct {
	Message MessageRef

	// Emoji is the plain emoji, or "custom:<id>" for custom emoji.
	Emoji string

	FromID       int64
	FromUsername string
	FromName     string

	// IsBot is true when the reacting account is a bot, including this bot.
	IsBot bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a posted message. It is comparable and used as a map key.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// Key renders the ref as "chat/message", the form used in logs and journals.
func (r MessageRef) Key() string {
	return strconv.FormatInt(r.ChatID, 10) + "/" + strconv.Itoa(r.MessageID)
}

func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// CustomEmoji formats a custom emoji id the way Reaction.Emoji carries it.
func CustomEmoji(id string) string { return "custom:" + id }

// BotCommand is one entry of the chat client's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Sender posts text to a chat. It is the only capability most components need.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// CommandMenuUpdater is implemented by adapters that can publish the command
// menu to the chat client.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
