package telegram

import "strings"

// markdownEscaper escapes every character that MarkdownV2 reserves.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"~", `\~`,
	"`", "\\`",
	">", `\>`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	"=", `\=`,
	"|", `\|`,
	"{", `\{`,
	"}", `\}`,
	".", `\.`,
	"!", `\!`,
)

// EscapeMarkdown makes s safe to interpolate into a MarkdownV2 message.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
