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

package mailer

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func testCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, pool
}

// fakeSMTP scripts one SMTP session, optionally upgrading to TLS on
// STARTTLS and optionally rejecting the recipient.
type fakeSMTP struct {
	mu         sync.Mutex
	tlsStarted bool
	rcptTo     string
	data       string
}

func (f *fakeSMTP) serve(ln net.Listener, cert tls.Certificate, offerTLS bool, rcptCode int) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	write := func(s string) { conn.Write([]byte(s + "\r\n")) }

	write("220 fake ESMTP bereit")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			f.mu.Lock()
			started := f.tlsStarted
			f.mu.Unlock()
			if offerTLS && !started {
				conn.Write([]byte("250-fake\r\n250 STARTTLS\r\n"))
			} else {
				write("250 fake")
			}
		case cmd == "STARTTLS":
			write("220 bereit")
			tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			r = bufio.NewReader(conn)
			f.mu.Lock()
			f.tlsStarted = true
			f.mu.Unlock()
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			write("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if rcptCode != 250 {
				write(fmt.Sprintf("%d kein Postfach", rcptCode))
				continue
			}
			f.mu.Lock()
			f.rcptTo = line
			f.mu.Unlock()
			write("250 ok")
		case cmd == "DATA":
			write("354 los")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
				b.WriteString(l)
			}
			f.mu.Lock()
			f.data = b.String()
			f.mu.Unlock()
			write("250 angenommen")
		case cmd == "QUIT":
			write("221 ende")
			return
		default:
			write("250 ok")
		}
	}
}

func newSTARTTLSTransport(t *testing.T, offerTLS bool, rcptCode int) (*SMTPTransport, *fakeSMTP) {
	t.Helper()
	cert, roots := testCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &fakeSMTP{}
	go srv.serve(ln, cert, offerTLS, rcptCode)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	tr := NewSMTPTransport(SMTPConfig{
		Host:    host,
		Port:    port,
		From:    "pulse@lexwatch.de",
		Timeout: 5 * time.Second,
	})
	tr.tlsConfig = &tls.Config{ServerName: host, RootCAs: roots}
	return tr, srv
}

func TestSend_NegotiatesSTARTTLS(t *testing.T) {
	tr, srv := newSTARTTLSTransport(t, true, 250)

	err := tr.Send(context.Background(), "kunde@example.de", "Neue Gesetzesänderung", "<p>Hallo</p>")
	if err != nil {
		t.Fatalf("Send over STARTTLS: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.tlsStarted {
		t.Error("session was not upgraded to TLS")
	}
	if !strings.Contains(srv.rcptTo, "kunde@example.de") {
		t.Errorf("RCPT TO = %q", srv.rcptTo)
	}
	if !strings.Contains(srv.data, "Subject: Neue Gesetzesänderung") {
		t.Errorf("message lacks subject header:\n%s", srv.data)
	}
	if !strings.Contains(srv.data, "<p>Hallo</p>") {
		t.Errorf("message lacks body:\n%s", srv.data)
	}
}

func TestSend_PlainWhenSTARTTLSNotOffered(t *testing.T) {
	tr, srv := newSTARTTLSTransport(t, false, 250)

	if err := tr.Send(context.Background(), "kunde@example.de", "Betreff", "<p>Text</p>"); err != nil {
		t.Fatalf("Send without STARTTLS: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.tlsStarted {
		t.Error("unexpected TLS upgrade")
	}
	if srv.data == "" {
		t.Error("no message received")
	}
}

func TestSend_RejectedRecipientSurfacesSMTPCode(t *testing.T) {
	tr, _ := newSTARTTLSTransport(t, true, 550)

	err := tr.Send(context.Background(), "niemand@example.de", "Betreff", "<p>Text</p>")

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Code != 550 {
		t.Errorf("code = %d, want 550", terr.Code)
	}
}
