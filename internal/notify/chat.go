package notify

import (
	"context"
	"time"
)

const agentName = "showup"

// Slack posts to an incoming webhook.
type Slack struct {
	WebhookURL string
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, s.WebhookURL, slackMessage{Text: "*" + title + "*\n" + message})
}

// Discord posts a single embed to a channel webhook.
type Discord struct {
	WebhookURL string
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// discordBlue is the embed accent.
const discordBlue = 0x3498db

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.WebhookURL, discordMessage{
		Username: agentName,
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       discordBlue,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
}

// Generic posts {"title","message","agent"} to any URL.
type Generic struct{ WebhookURL string }

func (g *Generic) Name() string { return "webhook" }

func (g *Generic) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, g.WebhookURL, map[string]string{"title": title, "message": message, "agent": agentName})
}
