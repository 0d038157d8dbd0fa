package router

import (
	"html"
	"strings"
)

// helpText renders the command list in HTML parse mode. Admin-only commands
// are listed for admins only.
func (m *CommandManager) helpText(admin bool) string {
	m.mu.RLock()
	cmds := append([]*Command(nil), m.ordered...)
	m.mu.RUnlock()

	lines := []string{"<b>Commands</b>"}
	for _, c := range cmds {
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "• <code>" + html.EscapeString(usage) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " " + html.EscapeString(d)
		}
		if c.Access == AccessAdminOnly {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
