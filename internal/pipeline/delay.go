package pipeline

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	charsPerSecond  = 35.0
	minDelaySeconds = 1.8
	maxDelaySeconds = 10.0
)

// ReplyDelay approximates human typing time for text: one second per 35
// characters, clamped to [1.8s, 10s], then shifted by jitter seconds.
func ReplyDelay(text string, jitter float64) time.Duration {
	secs := float64(utf8.RuneCountInString(text)) / charsPerSecond
	secs = min(max(secs, minDelaySeconds), maxDelaySeconds) + jitter
	return time.Duration(secs * float64(time.Second))
}

// Prescan matches tag rule keywords against the message body, case
// insensitively. Each tag appears once, in rule order.
func Prescan(body string, rules []store.TagRule) []string {
	text := strings.ToLower(body)
	var tags []string
	seen := map[string]bool{}
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" || seen[r.Tag] || !strings.Contains(text, kw) {
			continue
		}
		seen[r.Tag] = true
		tags = append(tags, r.Tag)
	}
	return tags
}
