package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go-wisp/internal/notification"
)

// Config holds SMTP configuration
type Config struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends alerts to the NOC mailbox
type Mailer struct {
	config Config
	send   SendFunc
}

// New creates a new Mailer
func New(config Config) *Mailer {
	return &Mailer{config: config, send: smtp.SendMail}
}

// WithSendFunc replaces the SMTP transport
func (m *Mailer) WithSendFunc(fn SendFunc) *Mailer {
	m.send = fn
	return m
}

// Enabled reports whether a server and recipients are configured
func (m *Mailer) Enabled() bool {
	return m.config.Host != "" && len(m.config.To) > 0
}

// Notify mails message as plain text. The first line becomes the subject.
func (m *Mailer) Notify(ctx context.Context, message string) error {
	if !m.Enabled() {
		return errors.New("email: smtp host or recipients not configured")
	}

	body := notification.PlainText(message)
	subject, _, _ := strings.Cut(body, "\n")

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", m.config.From, strings.Join(m.config.To, ", "), subject, body))

	// net/smtp has no context support; abandon the send when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.config.From, m.config.To, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}
