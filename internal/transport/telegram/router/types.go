package router

import (
	"context"
	"time"

	"dynbot/internal/delivery"
	"dynbot/internal/poller"
	"dynbot/internal/storage"
	kit "dynbot/internal/transport"
	logx "dynbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// PrivateOnly commands are refused in groups and channels.
	PrivateOnly bool

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Adapter  kit.Adapter
	Logger   logx.Logger
	Services *Services
	IsAdmin  bool
}

// Reply answers the request message.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if r.Message != nil && opt.ReplyTo == 0 {
		opt.ReplyTo = r.Message.ID
	}
	opt.DisablePreview = true
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Services struct {
	Subscribers SubscriberPort
	Tokens      TokenPort
	Poller      PollerPort
	Delivery    DeliveryPort

	// Supervisors exposes subsystem supervisors for /status. It can be nil
	// in tests.
	Supervisors *SupervisorRegistry
}

type SubscriberPort interface {
	Add(ctx context.Context, chatID int64) (bool, error)
	Remove(ctx context.Context, chatID int64) (bool, error)
	Has(chatID int64) bool
	Count() int
	Audit(ctx context.Context, e storage.AuditEntry)
}

type TokenPort interface {
	Issue() string
	Consume(tok string) bool
	Pending() int
}

type PollerPort interface {
	Snapshot() poller.Snapshot
}

type DeliveryPort interface {
	Snapshot() []delivery.HistoryItem
}
