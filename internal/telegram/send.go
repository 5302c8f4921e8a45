package telegram

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		// Never split a multi-byte character.
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

var (
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// toTelegramMarkdown converts the subset of markdown the writer produces to
// Telegram's legacy Markdown: headings and **bold** become *bold*.
func toTelegramMarkdown(s string) string {
	s = headingRe.ReplaceAllString(s, "**$1**")
	return boldRe.ReplaceAllString(s, "*$1*")
}

// throttle limits how often the status message is edited. Offers inside
// the interval are held back and the latest one wins.
type throttle struct {
	every time.Duration

	mu      sync.Mutex
	last    time.Time
	pending string
}

func newThrottle(every time.Duration) *throttle {
	return &throttle{every: every}
}

// Offer returns text when it may be sent now.
func (t *throttle) Offer(text string, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < t.every {
		t.pending = text
		return "", false
	}
	t.last = now
	t.pending = ""
	return text, true
}

// Flush returns and clears the held-back text, if any.
func (t *throttle) Flush() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	text := t.pending
	t.pending = ""
	return text, text != ""
}
