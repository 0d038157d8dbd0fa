package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dynbot/internal/runtime/supervisor"
	kit "dynbot/internal/transport"
	logx "dynbot/pkg/logx"
)

const defaultCommandTimeout = 15 * time.Second

type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []*Command
	admins   map[string]bool // lower-case usernames without "@"
	botName  string

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, serv *Services) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	return &CommandManager{
		commands: map[string]*Command{},
		admins:   map[string]bool{},
		log:      log,
		adapter:  adapter,
		serv:     serv,
		jobs:     make(chan func(), 256),
	}
}

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

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
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

// SetAdmins replaces the admin username list. Safe during hot reload.
func (m *CommandManager) SetAdmins(usernames []string) {
	admins := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		if u = normalizeUsername(u); u != "" {
			admins[u] = true
		}
	}
	m.mu.Lock()
	m.admins = admins
	m.mu.Unlock()
}

// SetBotName sets the name expected after "@" in "/cmd@BotName". Commands
// addressed to another bot are ignored.
func (m *CommandManager) SetBotName(name string) {
	m.mu.Lock()
	m.botName = normalizeUsername(name)
	m.mu.Unlock()
}

func (m *CommandManager) isAdmin(username string) bool {
	u := normalizeUsername(username)
	if u == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[u]
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// SetCommands installs cmds plus the built-in /help and refreshes the
// Telegram command menu in the background.
func (m *CommandManager) SetCommands(cmds []Command) {
	helper := Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.IsAdmin), &kit.SendOptions{ParseMode: "HTML"})
		},
	}
	cmds = append(cmds, helper)

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		ordered = append(ordered, &c)
		byName[name] = &c
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := byName[sa]; !exists {
					byName[sa] = &c
				}
			}
		}
	}

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(ordered)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	if m.serv.Supervisors != nil {
		m.serv.Supervisors.Set("telegram.router", sup)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if m.serv.Supervisors != nil {
			m.serv.Supervisors.Delete("telegram.router")
		}
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.routeMessage(ctx, up)
			}
		}
	}
}

// parseCommand splits "/cmd@Bot arg1 arg2". ok is false for plain text and
// for commands addressed to a different bot.
func parseCommand(text, botName string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		target := word[i+1:]
		word = word[:i]
		if botName != "" && !strings.EqualFold(target, botName) {
			return "", nil, false
		}
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	m.mu.RLock()
	botName := m.botName
	m.mu.RUnlock()

	name, args, ok := parseCommand(msg.Text, botName)
	if !ok {
		return
	}
	m.mu.RLock()
	cmd, found := m.commands[name]
	m.mu.RUnlock()

	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !found {
		// Unknown commands in groups usually belong to other bots.
		if msg.IsPrivate {
			_, _ = m.adapter.SendText(root, to, "unknown command, try /help", &kit.SendOptions{ReplyTo: msg.ID})
		}
		return
	}
	m.enqueueCommand(root, up, *cmd, args)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	admin := m.isAdmin(msg.FromUsername)

	if cmd.Access == AccessAdminOnly && !admin {
		m.log.Info("command denied", logx.String("cmd", cmd.Name), logx.String("user", msg.FromUsername), logx.Int64("from_id", msg.FromID))
		_, _ = m.adapter.SendText(root, to, "permission denied, please contact the bot owner", &kit.SendOptions{ReplyTo: msg.ID})
		return
	}
	if cmd.PrivateOnly && !msg.IsPrivate {
		_, _ = m.adapter.SendText(root, to, "please use /"+cmd.Name+" in a private chat with the bot", &kit.SendOptions{ReplyTo: msg.ID})
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		Services: m.serv,
		IsAdmin:  admin,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, to, "busy, try again", nil)
	}
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
