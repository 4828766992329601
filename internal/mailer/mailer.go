// Package mailer submits review and digest emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log"
	"time"

	"github.com/wneessen/go-mail"
	"github.com/yuin/goldmark"

	"github.com/robsok/content-pipeline/internal/config"
)

// SendTimeout bounds a whole SMTP submission.
const SendTimeout = 30 * time.Second

var md = goldmark.New()

// Message is one outgoing email. HTML, when set, is sent as an alternative
// to the plain Body. Attachments are file paths.
type Message struct {
	Subject     string
	Body        string
	HTML        string
	Attachments []string
}

// Sender submits messages to the configured recipients.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Error is a failed submission.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mail %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SMTPSender sends through one SMTP server with username/password auth.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	startTLS bool
	ssl      bool
	from     string
	to       []string
}

// NewSMTPSender creates a sender from the smtp settings. Call
// cfg.RequireSMTP first; the password is read from the configured variable.
func NewSMTPSender(cfg *config.Config) *SMTPSender {
	return &SMTPSender{
		host:     cfg.SMTP.Host,
		port:     cfg.SMTP.Port,
		username: cfg.SMTP.Username,
		password: cfg.SMTPPassword(),
		startTLS: cfg.SMTP.TLS,
		ssl:      cfg.SMTP.SSL,
		from:     cfg.Sender(),
		to:       cfg.SMTP.To,
	}
}

// Send builds the message and submits it in one connection.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return &Error{Op: "build", Err: err}
	}

	client, err := mail.NewClient(s.host, s.clientOptions()...)
	if err != nil {
		return &Error{Op: "client", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return &Error{Op: "send", Err: err}
	}
	log.Printf("[INFO] sent %q to %d recipient(s)", msg.Subject, len(s.to))
	return nil
}

func (s *SMTPSender) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("from %q: %w", s.from, err)
	}
	if err := m.To(s.to...); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	for _, path := range msg.Attachments {
		m.AttachFile(path)
	}
	return m, nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.username),
		mail.WithPassword(s.password),
		mail.WithTimeout(SendTimeout),
	}
	switch {
	case s.ssl:
		opts = append(opts, mail.WithSSL())
	case s.startTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return opts
}

// RenderHTML converts Markdown to an HTML body. On conversion failure the
// escaped source is returned inside <pre>.
func RenderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "<pre>" + html.EscapeString(markdown) + "</pre>"
	}
	return buf.String()
}
