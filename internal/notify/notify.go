// Package notify delivers operator notifications for completions,
// timeouts, and escalations. Implementations are best-effort: a failed
// notification is retried a few times, then logged and dropped, never
// propagated into the orchestration path.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindCompletion Kind = "completion"
	KindTimeout    Kind = "timeout"
	KindFailure    Kind = "failure"
	KindEscalation Kind = "escalation"
	KindEmergency  Kind = "emergency"
)

// Notifier is the single outbound channel interface.
type Notifier interface {
	Notify(kind Kind, subject, body string, attachments ...string) error
}

// retry policy shared by all implementations.
const (
	retryAttempts = 3
	retryBase     = 2 * time.Second
)

func withRetry(sleep func(time.Duration), fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			sleep(retryBase << (attempt - 1))
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", retryAttempts, err)
}

// LogNotifier writes notifications to a logger. Always available, never
// fails.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) Notify(kind Kind, subject, body string, attachments ...string) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.Printf("[%s] %s", kind, subject)
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		n.Logger.Printf("  %s", line)
	}
	for _, a := range attachments {
		n.Logger.Printf("  attachment: %s", a)
	}
	return nil
}

// EmailNotifier sends plain-text mail over SMTP. Attachments are
// referenced by path in the body rather than encoded inline.
type EmailNotifier struct {
	Addr  string // host:port
	From  string
	To    []string
	sleep func(time.Duration)
	send  func(addr, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates an SMTP notifier.
func NewEmailNotifier(addr, from string, to []string) *EmailNotifier {
	return &EmailNotifier{
		Addr: addr, From: from, To: to,
		sleep: time.Sleep,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (n *EmailNotifier) Notify(kind Kind, subject, body string, attachments ...string) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&msg, "Subject: [foreman/%s] %s\r\n", kind, subject)
	msg.WriteString("\r\n")
	msg.WriteString(body)
	if len(attachments) > 0 {
		msg.WriteString("\r\n\r\nReports:\r\n")
		for _, a := range attachments {
			fmt.Fprintf(&msg, "  %s\r\n", a)
		}
	}
	return withRetry(n.sleep, func() error {
		return n.send(n.Addr, n.From, n.To, msg.Bytes())
	})
}

// WebhookNotifier POSTs a JSON payload to a fixed URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	sleep  func(time.Duration)
}

// NewWebhookNotifier creates a webhook notifier with a 10 s request
// timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		sleep:  time.Sleep,
	}
}

type webhookPayload struct {
	Kind        Kind     `json:"kind"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	Time        string   `json:"time"`
}

func (n *WebhookNotifier) Notify(kind Kind, subject, body string, attachments ...string) error {
	payload, err := json.Marshal(webhookPayload{
		Kind: kind, Subject: subject, Body: body,
		Attachments: attachments,
		Time:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return withRetry(n.sleep, func() error {
		resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil
	})
}

// Multi fans out to several notifiers, keeping going past failures. The
// first error is returned for logging; partial delivery is acceptable.
type Multi []Notifier

func (m Multi) Notify(kind Kind, subject, body string, attachments ...string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(kind, subject, body, attachments...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
