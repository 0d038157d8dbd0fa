package router

import (
	"strings"
	"unicode"

	kit "dynbot/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildTelegramMenuCommands lists public commands first so the menu does not
// advertise admin tools to every user.
func buildTelegramMenuCommands(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, admin := range []bool{false, true} {
		for _, c := range cmds {
			if (c.Access == AccessAdminOnly) != admin {
				continue
			}
			desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
			if desc == "" {
				desc = c.Name
			}
			if admin {
				desc = "🔒 " + desc
			}
			out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
			if len(out) >= 100 {
				return out
			}
		}
	}
	return out
}
