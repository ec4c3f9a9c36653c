package channel

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	placeholdRe  = regexp.MustCompile("\x00([0-9]+)\x00")
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t#]*$`)
	bulletRe     = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldAltRe    = regexp.MustCompile(`__([^_\n]+)__`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+)\*`)
	italicAltRe  = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_([\s).,!?:;]|$)`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
)

// renderTelegramHTML converts the Markdown models usually write into the
// HTML subset Telegram accepts. Code is escaped and left untouched.
func renderTelegramHTML(text string) string {
	var saved []string
	protect := func(s string) string {
		saved = append(saved, s)
		return "\x00" + strconv.Itoa(len(saved)-1) + "\x00"
	}

	text = fencedCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		body := fencedCodeRe.FindStringSubmatch(m)[1]
		return protect("<pre>" + html.EscapeString(strings.TrimRight(body, "\n")) + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return protect("<code>" + html.EscapeString(inlineCodeRe.FindStringSubmatch(m)[1]) + "</code>")
	})

	text = html.EscapeString(text)
	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = bulletRe.ReplaceAllString(text, "$1• ")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldAltRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = italicAltRe.ReplaceAllString(text, "$1<i>$2</i>$3")

	return placeholdRe.ReplaceAllStringFunc(text, func(m string) string {
		i, err := strconv.Atoi(placeholdRe.FindStringSubmatch(m)[1])
		if err != nil || i >= len(saved) {
			return m
		}
		return saved[i]
	})
}

func escapeTelegramDebug(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}
