package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrChatUnavailable means the chat is gone or the bot lost access to it.
// Retrying will not help.
var ErrChatUnavailable = errors.New("chat unavailable")

// RetryAfterError is returned when the platform asks the caller to back off.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatUsername string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsPrivate    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// LinkButton is rendered as a single inline URL button under the message.
type LinkButton struct {
	Text string
	URL  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int
	Button         *LinkButton
}

// Adapter is the messaging platform boundary. The poller never talks to it
// directly; delivery and the command router do.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	SendAnimation(ctx context.Context, to ChatTarget, animationURL, caption string, opt *SendOptions) (MessageRef, error)
	// SendAlbum sends up to 10 photos as a single media group. Media groups
	// cannot carry inline buttons, so callers follow up with SendText.
	SendAlbum(ctx context.Context, to ChatTarget, photoURLs []string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
