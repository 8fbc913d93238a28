// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailer provides durable outbound email: an SMTP transport, a
// Postgres-backed retry queue, bounce classification with per-address
// health tracking, and category-scoped unsubscribe preferences.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"
)

// TransportError is a classifiable SMTP-level failure.
type TransportError struct {
	Code int
	Msg  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %d: %s", e.Code, e.Msg)
}

// Transport delivers one rendered email. Implementations either succeed or
// return a classifiable error; SMTP failures surface as *TransportError.
type Transport interface {
	Send(ctx context.Context, to, subject, html string) error
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPTransport sends mail over plain SMTP with STARTTLS when offered.
type SMTPTransport struct {
	cfg       SMTPConfig
	tlsConfig *tls.Config
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.Host},
	}
}

// Send delivers one HTML email. The dial honors the configured timeout;
// an expired context aborts before dialing.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, t.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(t.cfg.Timeout))

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return wrapSMTPError("handshake", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(t.tlsConfig); err != nil {
			return wrapSMTPError("starttls", err)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return wrapSMTPError("auth", err)
		}
	}

	if err := client.Mail(t.cfg.From); err != nil {
		return wrapSMTPError("mail from", err)
	}
	if err := client.Rcpt(to); err != nil {
		return wrapSMTPError("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return wrapSMTPError("data", err)
	}
	if _, err := w.Write(buildMessage(t.cfg.From, to, subject, html)); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return wrapSMTPError("close data", err)
	}
	return client.Quit()
}

// wrapSMTPError converts protocol-level errors into *TransportError so the
// bounce classifier sees the SMTP code.
func wrapSMTPError(stage string, err error) error {
	if tp, ok := err.(*textproto.Error); ok {
		return &TransportError{Code: tp.Code, Msg: fmt.Sprintf("%s: %s", stage, tp.Msg)}
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func buildMessage(from, to, subject, html string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")
	return []byte(b.String())
}
