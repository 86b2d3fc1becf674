package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     zerolog.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger zerolog.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger.With().Str("module", "discord").Logger(),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to marshal message")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to create request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to send webhook")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warn().Int("status", resp.StatusCode).Msg("webhook rejected")
		}
	}()
}

// NotifyTranscriptionFailure reports an upstream speech service failure.
func (d *Discord) NotifyTranscriptionFailure(ctx context.Context, connID, provider, kind string, err error) {
	color := 0xFFA500 // orange
	if kind == "internal_failure" {
		color = 0xFF0000
	}
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Falha na transcrição",
			Description: fmt.Sprintf("```%v```", err),
			Color:       color,
			Fields: []embedField{
				{Name: "Provider", Value: provider, Inline: true},
				{Name: "Tipo", Value: kind, Inline: true},
				{Name: "Conexão", Value: fmt.Sprintf("`%s`", connID)},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
