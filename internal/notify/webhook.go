package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/deqlabs/deq/internal/models"
)

type webhookKind int

const (
	webhookGeneric webhookKind = iota
	webhookDiscord
	webhookSlack
)

// Embed colors per severity, hex.
var levelColors = map[Level]string{
	LevelInfo:     "#2ed573",
	LevelWarning:  "#ffa502",
	LevelError:    "#ff4757",
	LevelCritical: "#a55eea",
}

// webhookProvider posts messages as JSON to Discord, Slack or a generic
// webhook endpoint.
type webhookProvider struct {
	name   string
	kind   webhookKind
	cfg    models.WebhookSettings
	client *http.Client
}

func (p *webhookProvider) Name() string { return p.name }

func (p *webhookProvider) Send(ctx context.Context, msg Message) error {
	var payload any
	switch p.kind {
	case webhookDiscord:
		payload = discordPayload(msg)
	case webhookSlack:
		payload = slackPayload(msg)
	default:
		payload = genericPayload(msg)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Discord returns 204 No Content on success.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
}

func discordPayload(msg Message) map[string]any {
	embed := map[string]any{
		"title":       msg.Title,
		"description": msg.Body,
	}
	if color, ok := levelColors[msg.Level]; ok {
		if decimal, err := strconv.ParseInt(strings.TrimPrefix(color, "#"), 16, 64); err == nil {
			embed["color"] = decimal
		}
	}
	if len(msg.Fields) > 0 {
		fields := make([]map[string]any, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, map[string]any{"name": f.Name, "value": f.Value, "inline": true})
		}
		embed["fields"] = fields
	}
	return map[string]any{"embeds": []any{embed}}
}

func slackPayload(msg Message) map[string]any {
	attachment := map[string]any{
		"title":     msg.Title,
		"text":      msg.Body,
		"mrkdwn_in": []string{"text"},
	}
	if color, ok := levelColors[msg.Level]; ok {
		attachment["color"] = color
	}
	if len(msg.Fields) > 0 {
		fields := make([]map[string]any, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, map[string]any{"title": f.Name, "value": f.Value, "short": true})
		}
		attachment["fields"] = fields
	}
	return map[string]any{"attachments": []any{attachment}}
}

func genericPayload(msg Message) map[string]any {
	payload := map[string]any{
		"title":   msg.Title,
		"message": msg.Body,
		"level":   string(msg.Level),
	}
	if len(msg.Fields) > 0 {
		fields := make([]map[string]string, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, map[string]string{"name": f.Name, "value": f.Value})
		}
		payload["fields"] = fields
	}
	return payload
}
