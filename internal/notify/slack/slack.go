// Package slack posts alert lifecycle events to the care desk's Slack
// channel via an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/carecompanion/sosd/internal/emergency"
	"github.com/carecompanion/sosd/internal/notify"
)

const (
	maxNotesLen = 1000
	httpTimeout = 10 * time.Second
)

// Notifier sends alert events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Publish is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Publish implements emergency.EventSink.
func (n *Notifier) Publish(ctx context.Context, ev *emergency.Event) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(ev))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "care desk notified", "alert_id", ev.Alert.ID, "event", string(ev.Type))
	return nil
}

func buildMessage(ev *emergency.Event) map[string]any {
	blocks := []map[string]any{
		headerBlock(ev),
		{"type": "divider"},
		fieldsBlock(&ev.Alert),
	}
	if ev.Alert.ResolutionNotes != "" {
		blocks = append(blocks, notesBlock(&ev.Alert))
	}
	blocks = append(blocks, contextBlock(ev))
	return map[string]any{"blocks": blocks}
}

func headerBlock(ev *emergency.Event) map[string]any {
	name := ev.SubjectName
	if name == "" {
		name = "Subject " + ev.Alert.SubjectID
	}

	var text string
	switch ev.Alert.Status {
	case emergency.StatusResolved:
		text = fmt.Sprintf("%s SOS resolved: %s", statusEmoji(ev.Alert.Status), name)
	case emergency.StatusCancelled:
		text = fmt.Sprintf("%s SOS cancelled: %s", statusEmoji(ev.Alert.Status), name)
	default:
		text = fmt.Sprintf("%s SOS triggered: %s", statusEmoji(ev.Alert.Status), name)
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(a *emergency.Alert) map[string]any {
	ref := a.DispatchReference
	if ref == "" {
		ref = "none"
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", a.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Trigger:* %s", a.Method)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Location:* %s", notify.FormatLocation(a.Location))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Dispatch ref:* %s", ref)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Responder notified:* %s", yesNo(a.ResponderNotified))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Contacts notified:* %s", yesNo(a.ContactsNotified))},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func notesBlock(a *emergency.Alert) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Resolution notes*\n\n%s", truncate(a.ResolutionNotes, maxNotesLen)),
		},
	}
}

func contextBlock(ev *emergency.Event) map[string]any {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = ev.Alert.TriggeredAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sosd • alert %s • %s", ev.Alert.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func statusEmoji(s emergency.Status) string {
	switch s {
	case emergency.StatusResolved:
		return "\U0001f7e2" // green circle
	case emergency.StatusCancelled:
		return "⚪" // white circle
	case emergency.StatusDispatched:
		return "\U0001f6a8" // rotating light
	default:
		return "\U0001f534" // red circle
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
