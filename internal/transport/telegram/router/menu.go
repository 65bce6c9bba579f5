package router

import (
	"sort"
	"strings"
	"unicode"

	kit "bottlebot/internal/transport"
)

// sanitizeTelegramCommand converts a name or alias into a Telegram-safe bot
// command name. Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
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
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
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
	if out == "" {
		return ""
	}
	// Telegram clients expect commands to start with a letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// buildTelegramMenuCommands lists public commands first, owner-only last,
// alphabetical within each group.
func buildTelegramMenuCommands(cmds map[string]*Command, order []string) []kit.BotCommand {
	type entry struct {
		cmd   string
		desc  string
		owner bool
	}
	seen := map[string]bool{}
	entries := make([]entry, 0, len(order))
	for _, name := range order {
		c := cmds[name]
		if c == nil {
			continue
		}
		menu := sanitizeTelegramCommand(name)
		if menu == "" || seen[menu] {
			continue
		}
		seen[menu] = true

		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = menu
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		entries = append(entries, entry{cmd: menu, desc: desc, owner: c.Access == AccessOwnerOnly})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].owner != entries[j].owner {
			return !entries[i].owner
		}
		return entries[i].cmd < entries[j].cmd
	})

	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
