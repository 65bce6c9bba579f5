package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode. With args it describes one command.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
		c, ok := m.lookup(word)
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> to list commands."
		}
		return helpCommandHTML(c)
	}

	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.order))
	for _, name := range m.order {
		cmds = append(cmds, m.cmds[name])
	}
	m.mu.RUnlock()

	sort.SliceStable(cmds, func(i, j int) bool {
		oi, oj := cmds[i].Access == AccessOwnerOnly, cmds[j].Access == AccessOwnerOnly
		if oi != oj {
			return !oi
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range cmds {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += ": " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c *Command) string {
	lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "Usage: <code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, "<code>/"+html.EscapeString(a)+"</code>")
		}
		lines = append(lines, "Aliases: "+strings.Join(al, ", "))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 owner only")
	}
	return strings.Join(lines, "\n")
}
