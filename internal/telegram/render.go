package telegram

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// renderForChat converts HTML-flavored model output into Markdown,
// which is what Telegram's parse mode expects. Plain text passes
// through untouched.
func renderForChat(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(md)
}
