// Package notify fans build outcomes out to chat and webhook services.
package notify

import "strings"

// Notification levels.
const (
	LevelAll     = "all"
	LevelFailure = "failure"
	LevelNone    = "none"
)

// ShouldNotify reports whether an outcome is delivered at level. Unknown
// levels behave like LevelFailure.
func ShouldNotify(level string, success bool) bool {
	switch strings.ToLower(level) {
	case LevelAll:
		return true
	case LevelNone:
		return false
	default:
		return !success
	}
}

// Webhooks lists the configured service endpoints. Empty URLs are skipped.
type Webhooks struct {
	Slack   string
	Discord string
	Generic string
}

// New returns a notifier with a service for every configured webhook.
func New(level string, hooks Webhooks) *MultiNotifier {
	m := NewMultiNotifier()
	m.SetLevel(level)
	if hooks.Slack != "" {
		m.Add(&Slack{WebhookURL: hooks.Slack})
	}
	if hooks.Discord != "" {
		m.Add(&Discord{WebhookURL: hooks.Discord})
	}
	if hooks.Generic != "" {
		m.Add(&Generic{WebhookURL: hooks.Generic})
	}
	return m
}
