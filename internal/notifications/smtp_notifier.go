package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // e.g. "SchoolHub <noreply@example.com>"
	UseTLS   bool
}

// SMTPNotifier renders the account emails and submits them over SMTP with
// STARTTLS.
type SMTPNotifier struct {
	cfg          SMTPConfig
	verification *template.Template
	reset        *template.Template
}

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	verification, err := template.New("verification").Parse(verificationTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse verification template: %w", err)
	}
	reset, err := template.New("reset").Parse(resetTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse reset template: %w", err)
	}

	return &SMTPNotifier{cfg: cfg, verification: verification, reset: reset}, nil
}

func (n *SMTPNotifier) SendVerificationLink(ctx context.Context, msg LinkMessage) error {
	return n.sendTemplate(ctx, msg, "Verify your SchoolHub email", n.verification)
}

func (n *SMTPNotifier) SendPasswordResetLink(ctx context.Context, msg LinkMessage) error {
	return n.sendTemplate(ctx, msg, "Reset your SchoolHub password", n.reset)
}

type templateData struct {
	Name      string
	Link      string
	ExpiresIn string
}

func (n *SMTPNotifier) sendTemplate(ctx context.Context, msg LinkMessage, subject string, tmpl *template.Template) error {
	var body bytes.Buffer
	err := tmpl.Execute(&body, templateData{
		Name:      msg.Name,
		Link:      msg.Link,
		ExpiresIn: time.Until(msg.ExpiresAt).Round(time.Minute).String(),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	return n.send(ctx, msg.Email, subject, body.Bytes())
}

func (n *SMTPNotifier) send(ctx context.Context, to, subject string, html []byte) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return errors.New("header injection attempt")
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.Write(html)

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if n.cfg.UseTLS || n.cfg.Port == 587 {
		if err = client.StartTLS(&tls.Config{ServerName: n.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err = client.Mail(envelopeAddress(n.cfg.From)); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err = w.Write(msg.Bytes()); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

// envelopeAddress extracts "a@b" from "Name <a@b>".
func envelopeAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return from
}

const verificationTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Welcome to SchoolHub{{if .Name}}, {{.Name}}{{end}}</h2>
    <p>Please confirm your email address to activate your account.</p>
    <p><a href="{{.Link}}" style="background: #2d6cdf; color: #fff; padding: 10px 18px; text-decoration: none; border-radius: 4px;">Verify email</a></p>
    <p>This link expires in {{.ExpiresIn}}. If you did not create an account you can ignore this email.</p>
  </div>
</body>
</html>`

const resetTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Password reset</h2>
    <p>{{if .Name}}Hi {{.Name}}, w{{else}}W{{end}}e received a request to reset your SchoolHub password.</p>
    <p><a href="{{.Link}}" style="background: #2d6cdf; color: #fff; padding: 10px 18px; text-decoration: none; border-radius: 4px;">Choose a new password</a></p>
    <p>This link expires in {{.ExpiresIn}} and can be used once. If you did not ask for a reset, no action is needed.</p>
  </div>
</body>
</html>`
