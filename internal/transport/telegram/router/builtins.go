package router

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"dynbot/internal/delivery"
	"dynbot/internal/storage"
	kit "dynbot/internal/transport"
	logx "dynbot/pkg/logx"
)

// BuiltinCommands returns the bot's command set. botName is used in the
// /start greeting.
func BuiltinCommands(botName string) []Command {
	return []Command{
		{
			Name:        "start",
			Description: "about this bot",
			PrivateOnly: true,
			Handle: func(ctx context.Context, req *Request) error {
				name := strings.TrimSpace(botName)
				if name == "" {
					name = "dynbot"
				}
				return req.Reply(ctx, fmt.Sprintf("I'm %s, a bot to dispatch bilibili dynamics and live notifications", name), nil)
			},
		},
		{
			Name:        "register",
			Description: "subscribe this chat",
			Usage:       "/register <token>",
			Handle:      handleRegister,
		},
		{
			Name:        "unregister",
			Description: "unsubscribe this chat",
			Usage:       "/unregister <token>",
			Handle:      handleUnregister,
		},
		{
			Name:        "token",
			Description: "issue a one-time registration token",
			Access:      AccessAdminOnly,
			PrivateOnly: true,
			Handle:      handleToken,
		},
		{
			Name:        "status",
			Description: "poller and delivery status",
			Access:      AccessAdminOnly,
			Handle:      handleStatus,
		},
	}
}

func audit(ctx context.Context, req *Request, action, target string, err error) {
	if req.Services.Subscribers == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now(),
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
		Target:  target,
	}
	if req.Message != nil {
		e.ActorUsername = req.Message.FromUsername
	}
	if err != nil {
		e.Error = err.Error()
	}
	req.Services.Subscribers.Audit(ctx, e)
}

func handleRegister(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "/register token", nil)
	}
	if !req.Services.Tokens.Consume(req.Args[0]) {
		return req.Reply(ctx, "please contact the bot owner to get the token", nil)
	}

	added, err := req.Services.Subscribers.Add(ctx, req.Chat.ChatID)
	audit(ctx, req, "register", fmt.Sprint(req.Chat.ChatID), err)
	if err != nil {
		_ = req.Reply(ctx, "failed to save the subscription, please try again with a new token", nil)
		return err
	}
	req.Logger.Info("chat registered",
		logx.String("user", req.Message.FromUsername),
		logx.String("name", req.Message.FromName),
		logx.String("chat_username", req.Message.ChatUsername),
		logx.Bool("new", added))
	return req.Reply(ctx, "success, this chat will be notified when new dynamics are posted", nil)
}

func handleUnregister(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "/unregister token", nil)
	}
	if !req.Services.Tokens.Consume(req.Args[0]) {
		return req.Reply(ctx, "this token is invalid", nil)
	}

	removed, err := req.Services.Subscribers.Remove(ctx, req.Chat.ChatID)
	audit(ctx, req, "unregister", fmt.Sprint(req.Chat.ChatID), err)
	if err != nil {
		_ = req.Reply(ctx, "failed to remove the subscription, please try again with a new token", nil)
		return err
	}
	req.Logger.Info("chat unregistered",
		logx.String("user", req.Message.FromUsername),
		logx.String("chat_username", req.Message.ChatUsername),
		logx.Bool("was_subscribed", removed))
	return req.Reply(ctx, "success, this chat will not be notified", nil)
}

func handleToken(ctx context.Context, req *Request) error {
	tok := req.Services.Tokens.Issue()
	audit(ctx, req, "token", "", nil)
	req.Logger.Info("token generated", logx.String("user", req.Message.FromUsername))
	return req.Reply(ctx, "one time token generated: `"+tok+"`", &kit.SendOptions{ParseMode: "MarkdownV2"})
}

func handleStatus(ctx context.Context, req *Request) error {
	return req.Reply(ctx, statusText(req.Services, time.Now()), &kit.SendOptions{ParseMode: "HTML"})
}

func statusText(s *Services, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>Status</b>\n")
	if s.Subscribers != nil {
		fmt.Fprintf(&b, "subscribers: %d\n", s.Subscribers.Count())
	}
	if s.Tokens != nil {
		fmt.Fprintf(&b, "pending tokens: %d\n", s.Tokens.Pending())
	}

	if s.Poller != nil {
		snap := s.Poller.Snapshot()
		fmt.Fprintf(&b, "\n<b>Poller</b> %s, %d cycles, every %s\n", snap.State, snap.Cycles, snap.FetchInterval)
		if !snap.Enabled {
			b.WriteString("polling disabled\n")
		}
		if snap.CooldownUntil.After(now) {
			fmt.Fprintf(&b, "throttled, resumes in %s\n", snap.CooldownUntil.Sub(now).Round(time.Second))
		}
		for _, src := range snap.Sources {
			name := src.Name
			if name == "" {
				name = fmt.Sprint(src.UID)
			}
			line := fmt.Sprintf("• <code>%d</code> %s, cursor %s", src.UID, html.EscapeString(name), delivery.FormatTime(src.LastSeen, time.Local))
			if src.Live {
				line += ", 🔴 live"
			}
			if src.LastErr != "" {
				line += ", last error: " + html.EscapeString(src.LastErr)
			}
			b.WriteString(line + "\n")
		}
	}

	if s.Delivery != nil {
		hist := s.Delivery.Snapshot()
		var failed int
		for _, h := range hist {
			if h.Error != "" {
				failed++
			}
		}
		fmt.Fprintf(&b, "\n<b>Delivery</b> %d recent, %d failed\n", len(hist), failed)
	}

	if s.Supervisors != nil {
		sups := s.Supervisors.Snapshot()
		names := make([]string, 0, len(sups))
		for name := range sups {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > 0 {
			b.WriteString("\n<b>Goroutines</b>\n")
		}
		for _, name := range names {
			c := sups[name].Counters()
			fmt.Fprintf(&b, "• %s: %d active, %d started\n", html.EscapeString(name), c.Active, c.Started)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
