package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/runforge/runforge/internal/resilience"
)

// Sink delivers one alert event to an external endpoint. Transport details
// are opaque to the evaluator; failures are reported, never fatal.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// StdoutSink prints events as single JSON lines.
type StdoutSink struct {
	Out io.Writer
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Send(_ context.Context, ev Event) error {
	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	WebhookURL string
}

func (s *SlackSink) Name() string { return "chat_webhook" }

func (s *SlackSink) Send(ctx context.Context, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s* (%s)\n", ev.RuleName, ev.Severity)
	for k, v := range ev.Metrics {
		fmt.Fprintf(&b, "• %s = %g\n", k, v)
	}
	return slack.PostWebhookContext(ctx, s.WebhookURL, &slack.WebhookMessage{Text: b.String()})
}

// WebhookSink POSTs the event as JSON to a generic endpoint.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSink) Name() string { return "generic_webhook" }

func (s *WebhookSink) Send(ctx context.Context, ev Event) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailSink sends a plain-text mail over SMTP.
type EmailSink struct {
	Host string // host:port
	From string
	To   []string
	Auth smtp.Auth
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(_ context.Context, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: [%s] alert %s\r\n\r\n", ev.Severity, ev.RuleName)
	fmt.Fprintf(&b, "Rule %s fired at %s\r\n", ev.RuleName, ev.Timestamp.UTC().Format(time.RFC3339))
	for k, v := range ev.Metrics {
		fmt.Fprintf(&b, "  %s = %g\r\n", k, v)
	}
	return smtp.SendMail(s.Host, s.Auth, s.From, s.To, []byte(b.String()))
}

// FuncSink adapts a function into a custom sink.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, ev Event) error
}

func (s *FuncSink) Name() string { return s.SinkName }

func (s *FuncSink) Send(ctx context.Context, ev Event) error { return s.Fn(ctx, ev) }

// BreakerSink wraps a sink with a circuit breaker so a persistently failing
// endpoint stops being attempted for a cool-down period.
type BreakerSink struct {
	Inner   Sink
	Breaker *resilience.CircuitBreaker
}

// NewBreakerSink uses a 1-minute window and trips at a 50% failure rate.
func NewBreakerSink(inner Sink) *BreakerSink {
	return &BreakerSink{
		Inner:   inner,
		Breaker: resilience.NewCircuitBreaker(time.Minute, 6, 4, 0.5, 30*time.Second, 2),
	}
}

func (s *BreakerSink) Name() string { return s.Inner.Name() }

func (s *BreakerSink) Send(ctx context.Context, ev Event) error {
	if !s.Breaker.Allow() {
		return fmt.Errorf("sink %s: circuit open", s.Inner.Name())
	}
	err := s.Inner.Send(ctx, ev)
	s.Breaker.RecordResult(err == nil)
	return err
}
