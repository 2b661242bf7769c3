package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	// Addr is host:port, for example smtp.example.com:587.
	Addr     string
	Username string
	Password string
	From     string
	FromName string
	// Insecure skips STARTTLS negotiation and talks plain SMTP.
	Insecure bool
}

// Mailer sends multipart text/HTML mail over SMTP.
type Mailer struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewMailer(cfg SMTPConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("smtp addr is empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("smtp addr: %w", err)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from address: %w", err)
	}
	return &Mailer{cfg: cfg, now: time.Now}, nil
}

// Send delivers one message to a single recipient.
func (m *Mailer) Send(ctx context.Context, to, subject, text, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.build(to, subject, text, html)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if m.cfg.Username != "" {
		auth = sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	}
	if !m.cfg.Insecure {
		if err := smtp.SendMail(m.cfg.Addr, auth, m.cfg.From, []string{to}, bytes.NewReader(msg)); err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	}

	c, err := smtp.Dial(m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(m.cfg.From, []string{to}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return c.Quit()
}

func (m *Mailer) build(to, subject, text, html string) ([]byte, error) {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	from, _ := mail.ParseAddress(m.cfg.From)
	if m.cfg.FromName != "" {
		from.Name = m.cfg.FromName
	}

	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{rcpt})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if html != "" {
		if err := writePart(tw, "text/html", html); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}
