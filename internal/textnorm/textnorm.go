// Package textnorm cleans extracted message text before it is relayed.
package textnorm

import (
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to text cut down to its length budget.
const TruncationMarker = "\n\n... (truncated, see full email in attachment)"

const ellipsis = "..."

// maxBlankRun is the longest run of blank lines kept by Normalize.
const maxBlankRun = 2

// repairs maps UTF-8 text that was decoded as Windows-1252 or Latin-1 back
// to the intended characters. Longer sequences come first so that they win
// over their own prefixes.
var repairs = strings.NewReplacer(
	"â€™", "’",
	"â€˜", "‘",
	"â€œ", "“",
	"â€\u009d", "”",
	"â€“", "–",
	"â€”", "—",
	"â€¦", "…",
	"â€¢", "•",
	"Ã©", "é",
	"Ã¨", "è",
	"Ãª", "ê",
	"Ã«", "ë",
	"Ã¡", "á",
	"Ã\u00a0", "à",
	"Ã¢", "â",
	"Ã¤", "ä",
	"Ã§", "ç",
	"Ã\u00ad", "í",
	"Ã®", "î",
	"Ã¯", "ï",
	"Ã±", "ñ",
	"Ã³", "ó",
	"Ã´", "ô",
	"Ã¶", "ö",
	"Ãº", "ú",
	"Ã¹", "ù",
	"Ã»", "û",
	"Ã¼", "ü",
	"ÃŸ", "ß",
	"Ã‰", "É",
	"Ã€", "À",
	"Ã–", "Ö",
	"Ãœ", "Ü",
	"Ã„", "Ä",
	"Â\u00a0", "\u00a0",
	"Â©", "©",
	"Â®", "®",
	"Â°", "°",
	"Â«", "«",
	"Â»", "»",
)

// Normalize converts line endings to LF, collapses runs of more than two
// blank lines, repairs common mis-decoded sequences and cuts the result to
// maxLength runes followed by TruncationMarker. A maxLength of zero or less
// disables truncation.
func Normalize(text string, maxLength int) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = collapseBlankLines(text)
	text = repairs.Replace(text)

	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return string([]rune(text)[:maxLength]) + TruncationMarker
	}
	return text
}

// Truncate cuts s to at most n runes, ending with "..." when it was cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= len(ellipsis) {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-len(ellipsis)]) + ellipsis
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > maxBlankRun {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
