package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultChannelTimeout = 10 * time.Second

func defaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultChannelTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts to a chat incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel builds a chat webhook channel. client may be nil.
func NewSlackChannel(webhookURL string, client *http.Client) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, client: defaultClient(client)}
}

// Name implements NotificationChannel.
func (c *SlackChannel) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityHigh:
		return "warning"
	case SeverityMedium:
		return "#439FE0"
	default:
		return "good"
	}
}

func slackMessage(alert Alert) slackPayload {
	fields := []slackField{
		{Title: "Severity", Value: strings.ToUpper(string(alert.Severity)), Short: true},
		{Title: "Type", Value: alert.Type, Short: true},
		{Title: "Message", Value: alert.Message, Short: false},
		{Title: "Time", Value: alert.Timestamp.Format(time.RFC3339), Short: true},
	}
	for _, k := range sortedKeys(alert.Metadata) {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(alert.Metadata[k]), Short: true})
	}
	return slackPayload{
		Text:        fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
		Attachments: []slackAttachment{{Color: severityColor(alert.Severity), Fields: fields}},
	}
}

// Send implements NotificationChannel.
func (c *SlackChannel) Send(ctx context.Context, alert Alert) error {
	if err := postJSON(ctx, c.client, c.webhookURL, nil, slackMessage(alert)); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// WebhookChannel posts the raw alert JSON to a generic endpoint.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel builds a generic webhook channel. headers are added to every request.
func NewWebhookChannel(url string, headers map[string]string, client *http.Client) *WebhookChannel {
	return &WebhookChannel{url: url, headers: headers, client: defaultClient(client)}
}

// Name implements NotificationChannel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Send implements NotificationChannel.
func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if err := postJSON(ctx, c.client, c.url, c.headers, alert); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Email is one outgoing message.
type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// Mailer delivers an Email.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// EmailChannel renders alerts as email to the operator list.
type EmailChannel struct {
	to     []string
	mailer Mailer
}

// NewEmailChannel builds an email channel.
func NewEmailChannel(to []string, mailer Mailer) *EmailChannel {
	return &EmailChannel{to: to, mailer: mailer}
}

// Name implements NotificationChannel.
func (c *EmailChannel) Name() string { return "email" }

// Send implements NotificationChannel.
func (c *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if len(c.to) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	if err := c.mailer.Send(ctx, renderEmail(c.to, alert)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func renderEmail(to []string, alert Alert) Email {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n\n%s\n\nType: %s\nSeverity: %s\nTime: %s\nAlert ID: %s\n",
		alert.Title, alert.Message, alert.Type, alert.Severity, alert.Timestamp.Format(time.RFC3339), alert.ID)

	var body strings.Builder
	fmt.Fprintf(&body, "<h2>%s</h2><p>%s</p><table>", html.EscapeString(alert.Title), html.EscapeString(alert.Message))
	row := func(k, v string) {
		fmt.Fprintf(&body, "<tr><th align=\"left\">%s</th><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(v))
	}
	row("Type", alert.Type)
	row("Severity", string(alert.Severity))
	row("Time", alert.Timestamp.Format(time.RFC3339))
	row("Alert ID", alert.ID)
	for _, k := range sortedKeys(alert.Metadata) {
		v := fmt.Sprint(alert.Metadata[k])
		fmt.Fprintf(&text, "%s: %s\n", k, v)
		row(k, v)
	}
	body.WriteString("</table>")

	return Email{
		To:      append([]string(nil), to...),
		Subject: subject,
		Text:    text.String(),
		HTML:    body.String(),
	}
}

// Publisher publishes a JSON-encodable payload with string attributes.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// PubSubChannel publishes alerts to a message topic for downstream consumers.
type PubSubChannel struct {
	publisher Publisher
}

// NewPubSubChannel builds a topic channel.
func NewPubSubChannel(publisher Publisher) *PubSubChannel {
	return &PubSubChannel{publisher: publisher}
}

// Name implements NotificationChannel.
func (c *PubSubChannel) Name() string { return "pubsub" }

// Send implements NotificationChannel.
func (c *PubSubChannel) Send(ctx context.Context, alert Alert) error {
	_, err := c.publisher.Publish(ctx, alert, map[string]string{
		"alert_id": alert.ID,
		"type":     alert.Type,
		"severity": string(alert.Severity),
	})
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
