package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/realtime/internal/breaker"
)

// Alerter sends notifications to external services.
type Alerter interface {
	Alert(level AuditLevel, message string, metadata map[string]any)
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
	async    bool
}

// NewMultiAlerter dispatches each alert in its own goroutine so a slow
// webhook never blocks the caller.
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters, async: true}
}

func (m *MultiAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		if m.async {
			go alerter.Alert(level, message, metadata)
			continue
		}
		alerter.Alert(level, message, metadata)
	}
}

// SeverityFilter drops alerts below a minimum level before forwarding.
type SeverityFilter struct {
	Min  AuditLevel
	Next Alerter
}

func (f SeverityFilter) Alert(level AuditLevel, message string, metadata map[string]any) {
	if f.Next == nil || level.Rank() < f.Min.Rank() {
		return
	}
	f.Next.Alert(level, message, metadata)
}

// SlackAlerter sends alerts to Slack via webhook
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	breakers   *breaker.Executor
}

func NewSlackAlerter(webhookURL, channel, username string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// WithBreakers sends webhooks through the delivery breaker, so an outage on
// the Slack side stops costing a request timeout per alert.
func (s *SlackAlerter) WithBreakers(e *breaker.Executor) *SlackAlerter {
	s.breakers = e
	return s
}

func (s *SlackAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", metadata[k]),
			"short": true,
		})
	}

	payload := map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("%s *%s Alert*", slackEmoji(level), level),
		"attachments": []map[string]any{
			{
				"color":     slackColor(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "Realtime Platform",
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	if s.breakers == nil {
		_ = s.post(ctx, body)
		return
	}
	_ = s.breakers.Do(ctx, breaker.Delivery, func(ctx context.Context) error {
		return s.post(ctx, body)
	}, nil)
}

func (s *SlackAlerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func slackColor(level AuditLevel) string {
	switch level {
	case CRITICAL, ERROR:
		return "danger"
	case WARNING:
		return "warning"
	default:
		return "good"
	}
}

func slackEmoji(level AuditLevel) string {
	switch level {
	case CRITICAL:
		return ":rotating_light:"
	case ERROR:
		return ":x:"
	case WARNING:
		return ":warning:"
	case INFO:
		return ":information_source:"
	default:
		return ":white_check_mark:"
	}
}

// ConsoleAlerter prints alerts to a writer (for development/testing)
type ConsoleAlerter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleAlerter(out io.Writer) *ConsoleAlerter {
	return &ConsoleAlerter{out: out}
}

func (c *ConsoleAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "ALERT [%s]: %s\n", level, message)
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "  %s: %v\n", k, metadata[k])
	}
}
