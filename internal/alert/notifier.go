// Package alert implements the Alert agent: rendering summary batches into
// digests and delivering them per-channel (Slack webhook, SMTP email, and a
// generic signed webhook). Channels are independent; one failing never
// blocks another.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
)

// ErrSendFailed wraps every delivery failure so callers can test with
// errors.Is regardless of channel.
var ErrSendFailed = errors.New("alert: send failed")

// Channel names recorded on AlertDelivery rows.
const (
	ChannelSlack = "slack"
	ChannelEmail = "email"
)

// Setting keys for channel configuration stored in the settings table.
// Environment variables seed these at boot; the table wins afterwards so
// operators can rotate credentials without restarts.
const (
	KeySMTPHost     = "smtp.host"
	KeySMTPPort     = "smtp.port"
	KeySMTPUsername = "smtp.username"
	KeySMTPPassword = "smtp.password" // stored encrypted
	KeySMTPFrom     = "smtp.from"
	KeySMTPTLS      = "smtp.tls"

	KeySlackWebhookURL = "slack.webhook_url" // stored encrypted

	KeyWebhookURL    = "webhook.url"
	KeyWebhookSecret = "webhook.secret" // HMAC secret, stored encrypted
)

// SMTPConfig holds what the email sender needs for one delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool // true = implicit TLS (465), false = plaintext/STARTTLS (587)
}

// SlackSender posts a rendered digest to a Slack incoming webhook.
type SlackSender struct {
	loader func(ctx context.Context) (string, error)
}

// NewSlackSender creates a sender. loader returns the current webhook URL on
// every send, so settings changes apply without a restart.
func NewSlackSender(loader func(ctx context.Context) (string, error)) *SlackSender {
	return &SlackSender{loader: loader}
}

// Send posts text to the webhook. Returns a transient fault for 5xx and 429
// so the retry layer backs off and re-posts.
func (s *SlackSender) Send(ctx context.Context, text string) error {
	url, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("%w: load slack config: %s", ErrSendFailed, err)
	}
	if url == "" {
		return fmt.Errorf("%w: slack webhook not configured", ErrSendFailed)
	}

	err = slack.PostWebhookContext(ctx, url, &slack.WebhookMessage{Text: text})
	if err == nil {
		return nil
	}

	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		herr := &fault.HTTPStatusError{StatusCode: statusErr.Code, Message: statusErr.Status}
		if fault.IsTransient(herr) {
			return fault.Wrap(fault.KindTransient, herr, "slack webhook")
		}
		return fmt.Errorf("%w: slack webhook: %s", ErrSendFailed, statusErr.Status)
	}
	return fault.Wrap(fault.KindTransient, err, "slack webhook")
}

// EmailSender delivers digests via SMTP, in the two usual connection modes.
type EmailSender struct {
	loader func(ctx context.Context) (*SMTPConfig, error)
}

// NewEmailSender creates a sender. loader is consulted on every send.
func NewEmailSender(loader func(ctx context.Context) (*SMTPConfig, error)) *EmailSender {
	return &EmailSender{loader: loader}
}

// Send delivers one HTML email to all recipients.
func (s *EmailSender) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	if len(to) == 0 {
		return nil
	}
	cfg, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("%w: load smtp config: %s", ErrSendFailed, err)
	}

	msg := buildEmail(cfg.From, to, subject, htmlBody)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	if cfg.TLS {
		err = s.sendTLS(addr, cfg, to, msg)
	} else {
		err = s.sendPlain(addr, cfg, to, msg)
	}
	if err != nil {
		// SMTP failures are almost always server-side or network; retryable.
		return fault.Wrap(fault.KindTransient, err, "smtp delivery")
	}
	return nil
}

// sendPlain uses smtp.SendMail, which negotiates STARTTLS automatically.
func (s *EmailSender) sendPlain(addr string, cfg *SMTPConfig, to []string, msg []byte) error {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, cfg.From, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendTLS establishes implicit TLS before the SMTP handshake (port 465).
func (s *EmailSender) sendTLS(addr string, cfg *SMTPConfig, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 message with an HTML body.
func buildEmail(from string, to []string, subject, htmlBody string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(htmlBody)
	return []byte(sb.String())
}

// WebhookSender posts the digest JSON to a generic webhook, signing the body
// with HMAC-SHA256 when a secret is configured (the GitHub/Stripe header
// convention).
type WebhookSender struct {
	client *http.Client
	loader func(ctx context.Context) (url, secret string, err error)
}

// NewWebhookSender creates a sender.
func NewWebhookSender(loader func(ctx context.Context) (string, string, error)) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		loader: loader,
	}
}

// Send posts payload as JSON. A missing URL is a silent skip: the generic
// webhook is an optional channel.
func (s *WebhookSender) Send(ctx context.Context, payload any) error {
	url, secret, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("%w: load webhook config: %s", ErrSendFailed, err)
	}
	if url == "" {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrSendFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "threadpulse/1.0")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(data)
		req.Header.Set("X-Threadpulse-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "webhook delivery")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := &fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: resp.Status}
		if fault.IsTransient(herr) {
			return fault.Wrap(fault.KindTransient, herr, "webhook delivery")
		}
		return fmt.Errorf("%w: webhook returned %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// SeedSettings writes environment-derived channel configuration into the
// settings table for keys that have no row yet. Existing rows win, so values
// rotated by an operator survive restarts. Empty values are skipped.
func SeedSettings(ctx context.Context, settings repositories.SettingsRepository, values map[string]string) error {
	for key, value := range values {
		if value == "" {
			continue
		}
		_, err := settings.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("alert: seed setting %s: %w", key, err)
		}
		if err := settings.Set(ctx, key, value); err != nil {
			return fmt.Errorf("alert: seed setting %s: %w", key, err)
		}
	}
	return nil
}

// SlackURLLoader reads the Slack webhook URL from settings, falling back to
// the boot-time value.
func SlackURLLoader(settings repositories.SettingsRepository, fallback string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		url, err := settings.Get(ctx, KeySlackWebhookURL)
		if errors.Is(err, repositories.ErrNotFound) {
			return fallback, nil
		}
		if err != nil {
			return "", err
		}
		return url, nil
	}
}

// SMTPLoader reads the smtp.* namespace from settings, falling back to the
// boot-time config for any missing key.
func SMTPLoader(settings repositories.SettingsRepository, fallback SMTPConfig) func(ctx context.Context) (*SMTPConfig, error) {
	return func(ctx context.Context) (*SMTPConfig, error) {
		values, err := settings.GetMany(ctx, "smtp.")
		if err != nil {
			return nil, err
		}
		cfg := fallback
		if v := values[KeySMTPHost]; v != "" {
			cfg.Host = v
		}
		if v := values[KeySMTPPort]; v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				cfg.Port = port
			}
		}
		if v := values[KeySMTPUsername]; v != "" {
			cfg.Username = v
		}
		if v := values[KeySMTPPassword]; v != "" {
			cfg.Password = v
		}
		if v := values[KeySMTPFrom]; v != "" {
			cfg.From = v
		}
		if v, ok := values[KeySMTPTLS]; ok {
			cfg.TLS = v == "true"
		}
		if cfg.Host == "" || cfg.From == "" {
			return nil, repositories.ErrConfigNotFound
		}
		return &cfg, nil
	}
}

// WebhookLoader reads the generic webhook URL and HMAC secret from settings.
func WebhookLoader(settings repositories.SettingsRepository) func(ctx context.Context) (string, string, error) {
	return func(ctx context.Context) (string, string, error) {
		values, err := settings.GetMany(ctx, "webhook.")
		if err != nil {
			return "", "", err
		}
		return values[KeyWebhookURL], values[KeyWebhookSecret], nil
	}
}
