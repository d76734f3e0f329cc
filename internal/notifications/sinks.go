package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/mcptools"
)

const osAppendFlag = os.O_APPEND | os.O_CREATE | os.O_WRONLY

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ConsoleSink writes notifications to the process log, the simplest
// and default channel.
type ConsoleSink struct{}

func (ConsoleSink) Kind() string { return "console" }

func (ConsoleSink) Send(_ context.Context, msg Message) error {
	if msg.Title != "" {
		logging.Info("[notify] %s: %s", msg.Title, msg.Body)
	} else {
		logging.Info("[notify] %s", msg.Body)
	}
	return nil
}

// FileSink appends a line per notification to a configured file.
type FileSink struct {
	Fs afero.Fs
}

func (s FileSink) Kind() string { return "file" }

func (s FileSink) Send(_ context.Context, msg Message) error {
	path := fieldString(msg.Fields, "path")
	if path == "" {
		return fmt.Errorf("file sink: no path configured")
	}
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.OpenFile(path, osAppendFlag, 0o644)
	if err != nil {
		return fmt.Errorf("file sink: opening %s: %w", path, err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s [%s] %s: %s\n", time.Now().UTC().Format(time.RFC3339), msg.Priority, msg.Title, msg.Body)
	_, err = f.Write([]byte(line))
	return err
}

// NtfySink posts to an ntfy.sh-compatible topic, mirroring ntfy's
// header-based message shape.
type NtfySink struct {
	Client *http.Client
}

func (s NtfySink) Kind() string { return "ntfy" }

func (s NtfySink) Send(ctx context.Context, msg Message) error {
	url := fieldString(msg.Fields, "url")
	if url == "" {
		return fmt.Errorf("ntfy sink: no url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(msg.Body)))
	if err != nil {
		return fmt.Errorf("ntfy sink: building request: %w", err)
	}
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if msg.Priority != "" {
		req.Header.Set("Priority", ntfyPriority(msg.Priority))
	}
	if apiKey := fieldString(msg.Fields, "api_key"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("User-Agent", "loom-notify/1.0")

	return doAndCheck(s.httpClient(), req)
}

// ntfyPriority maps a workflow's notification priority onto ntfy's
// numeric 1 (min) - 5 (max) scale; an unrecognized value falls back to
// ntfy's own default of 3.
func ntfyPriority(p dsl.Priority) string {
	switch p {
	case dsl.PriorityLow:
		return "2"
	case dsl.PriorityNormal:
		return "3"
	case dsl.PriorityHigh:
		return "4"
	case dsl.PriorityCritical:
		return "5"
	default:
		return "3"
	}
}

func (s NtfySink) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// SlackSink posts a Slack incoming-webhook payload.
type SlackSink struct {
	Client *http.Client
}

func (s SlackSink) Kind() string { return "slack" }

func (s SlackSink) Send(ctx context.Context, msg Message) error {
	webhookURL := fieldString(msg.Fields, "webhook_url")
	if webhookURL == "" {
		return fmt.Errorf("slack sink: no webhook_url configured")
	}
	text := msg.Body
	if msg.Title != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
	}
	return postJSON(ctx, clientOrDefault(s.Client), webhookURL, map[string]any{"text": text})
}

// DiscordSink posts a Discord incoming-webhook payload.
type DiscordSink struct {
	Client *http.Client
}

func (s DiscordSink) Kind() string { return "discord" }

func (s DiscordSink) Send(ctx context.Context, msg Message) error {
	webhookURL := fieldString(msg.Fields, "webhook_url")
	if webhookURL == "" {
		return fmt.Errorf("discord sink: no webhook_url configured")
	}
	content := msg.Body
	if msg.Title != "" {
		content = fmt.Sprintf("**%s**\n%s", msg.Title, msg.Body)
	}
	return postJSON(ctx, clientOrDefault(s.Client), webhookURL, map[string]any{"content": content})
}

// WebhookSink posts a generic JSON envelope to an arbitrary URL.
type WebhookSink struct {
	Client *http.Client
}

func (s WebhookSink) Kind() string { return "webhook" }

func (s WebhookSink) Send(ctx context.Context, msg Message) error {
	url := fieldString(msg.Fields, "url")
	if url == "" {
		return fmt.Errorf("webhook sink: no url configured")
	}
	payload := map[string]any{
		"title":     msg.Title,
		"body":      msg.Body,
		"priority":  msg.Priority,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, clientOrDefault(s.Client), url, payload)
}

// EmailSink posts to a transactional-email HTTP API (the channel's
// fields carry the provider endpoint and recipient; no SMTP dial-out is
// implemented, matching the HTTP-relay shape the other channels use).
type EmailSink struct {
	Client *http.Client
}

func (s EmailSink) Kind() string { return "email" }

func (s EmailSink) Send(ctx context.Context, msg Message) error {
	endpoint := fieldString(msg.Fields, "endpoint")
	to := fieldString(msg.Fields, "to")
	if endpoint == "" || to == "" {
		return fmt.Errorf("email sink: endpoint and to are both required")
	}
	payload := map[string]any{
		"to":      to,
		"subject": msg.Title,
		"body":    msg.Body,
	}
	return postJSON(ctx, clientOrDefault(s.Client), endpoint, payload)
}

// SMSSink posts to an SMS gateway HTTP API.
type SMSSink struct {
	Client *http.Client
}

func (s SMSSink) Kind() string { return "sms" }

func (s SMSSink) Send(ctx context.Context, msg Message) error {
	endpoint := fieldString(msg.Fields, "endpoint")
	to := fieldString(msg.Fields, "to")
	if endpoint == "" || to == "" {
		return fmt.Errorf("sms sink: endpoint and to are both required")
	}
	body := msg.Body
	if msg.Title != "" {
		body = msg.Title + ": " + msg.Body
	}
	return postJSON(ctx, clientOrDefault(s.Client), endpoint, map[string]any{"to": to, "body": body})
}

// MCPToolSink delivers a notification through an mcp_tool call, for
// workflows that route alerts through an MCP server rather than a
// direct HTTP endpoint.
type MCPToolSink struct {
	Bridge *mcptools.Bridge
}

func (s MCPToolSink) Kind() string { return "mcp_tool" }

func (s MCPToolSink) Send(ctx context.Context, msg Message) error {
	server := fieldString(msg.Fields, "server")
	tool := fieldString(msg.Fields, "tool")
	if server == "" || tool == "" {
		return fmt.Errorf("mcp_tool sink: server and tool are both required")
	}
	_, err := s.Bridge.CallTool(ctx, toolSpec(server, tool, msg))
	return err
}

func postJSON(ctx context.Context, client *http.Client, url string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "loom-notify/1.0")
	return doAndCheck(client, req)
}

func doAndCheck(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func clientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func toolSpec(server, tool string, msg Message) dsl.MCPToolSpec {
	return dsl.MCPToolSpec{
		Server: server,
		Tool:   tool,
		Params: map[string]any{
			"title":    msg.Title,
			"body":     msg.Body,
			"priority": string(msg.Priority),
		},
	}
}
