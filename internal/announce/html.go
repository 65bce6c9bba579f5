package announce

import (
	"fmt"
	"html"
	"strings"
)

// HTML is text that is safe to send with ParseMode "HTML". Values of this
// type are treated as already escaped.
type HTML string

func (h HTML) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) HTML { return HTML(html.EscapeString(s)) }

func B(s string) HTML    { return HTML("<b>" + html.EscapeString(s) + "</b>") }
func Code(s string) HTML { return HTML("<code>" + html.EscapeString(s) + "</code>") }

// Mention links name to a Telegram user. With a username and no id it falls
// back to the plain @handle.
func Mention(name, username string, userID int64) HTML {
	if name == "" {
		name = username
	}
	if userID == 0 {
		if username != "" {
			return Esc("@" + username)
		}
		return Esc(name)
	}
	if name == "" {
		name = fmt.Sprint(userID)
	}
	return HTML(fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name)))
}

// Emoji renders the acknowledgement reaction. A custom emoji id is shown as
// the custom emoji where the client supports it, with fallback as the plain
// glyph.
func Emoji(fallback, customID string) HTML {
	if fallback == "" {
		fallback = "👍"
	}
	if customID == "" {
		return Esc(fallback)
	}
	return HTML(fmt.Sprintf(`<tg-emoji emoji-id="%s">%s</tg-emoji>`, html.EscapeString(customID), html.EscapeString(fallback)))
}

// Join joins non-empty parts with sep.
func Join(sep string, parts ...HTML) HTML {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) != "" {
			ss = append(ss, p.String())
		}
	}
	return HTML(strings.Join(ss, sep))
}
