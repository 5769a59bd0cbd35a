package digest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
)

// Notifier delivers a formatted digest.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Formatted) error
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	url string
}

// NewSlack returns a notifier for the incoming webhook at webhookURL.
func NewSlack(webhookURL string) (*SlackNotifier, error) {
	if _, err := url.ParseRequestURI(webhookURL); err != nil {
		return nil, fmt.Errorf("digest: slack webhook url: %w", err)
	}
	return &SlackNotifier{url: webhookURL}, nil
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, msg Formatted) error {
	att := slack.Attachment{
		Title:    msg.Title,
		Text:     msg.Body,
		Color:    msg.Color,
		Fallback: msg.Title,
	}
	for _, f := range msg.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	if err := slack.PostWebhookContext(ctx, n.url, &slack.WebhookMessage{
		Text:        msg.Title,
		Attachments: []slack.Attachment{att},
	}); err != nil {
		return fmt.Errorf("digest: slack: %w", err)
	}
	return nil
}

// webhookExecutor is the discordgo call the notifier needs.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts to a Discord channel webhook.
type DiscordNotifier struct {
	session webhookExecutor
	id      string
	token   string
}

// NewDiscord returns a notifier for a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("digest: discord session: %w", err)
	}
	return &DiscordNotifier{session: session, id: id, token: token}, nil
}

func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("digest: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("digest: discord webhook url %q has no webhooks/{id}/{token} path", raw)
}

func (n *DiscordNotifier) Name() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, msg Formatted) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       parseHexColor(msg.Color),
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	_, err := n.session.WebhookExecute(n.id, n.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("digest: discord: %w", err)
	}
	return nil
}

// parseHexColor converts "#rrggbb" to the integer Discord expects.
// Anything that is not a 24-bit hex value yields 0, the default embed colour.
func parseHexColor(hex string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}
