package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal SMTP server speaking just enough of the protocol
// for net/smtp.
type fakeServer struct {
	ln        net.Listener
	authReply string
	rcptReply string

	mu       sync.Mutex
	authLine string
	rcpt     string
	data     string
}

func startFakeServer(t *testing.T, authReply, rcptReply string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{ln: ln, authReply: authReply, rcptReply: rcptReply}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeServer) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeServer) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeServer) handle(conn net.Conn) {
	tp := textproto.NewConn(conn)
	defer func() { _ = tp.Close() }()

	_ = tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		switch strings.ToUpper(strings.SplitN(line, " ", 2)[0]) {
		case "EHLO":
			_ = tp.PrintfLine("250-fake")
			_ = tp.PrintfLine("250 AUTH XOAUTH2 PLAIN")
		case "AUTH":
			f.mu.Lock()
			f.authLine = line
			f.mu.Unlock()
			_ = tp.PrintfLine("%s", f.authReply)
		case "RCPT":
			f.mu.Lock()
			f.rcpt = line
			f.mu.Unlock()
			_ = tp.PrintfLine("%s", f.rcptReply)
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.data = strings.Join(lines, "\n")
			f.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "*":
			_ = tp.PrintfLine("501 aborted")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("250 OK")
		}
	}
}

var testCred = &domain.Credential{
	IdentityID:  "identity-1",
	FromAddress: "sender@example.com",
	Provider:    domain.ProviderSMTP,
	AccessToken: "oauth-token",
}

var testMessage = mailer.Message{
	FromAddress: "sender@example.com",
	To:          "rcpt@example.org",
	Subject:     "Quarterly update",
	Text:        "Numbers are up.",
}

func newTestSender(t *testing.T, port int, method string) *Sender {
	t.Helper()
	s, err := NewSender(Config{
		Enabled:              true,
		Host:                 "127.0.0.1",
		Port:                 port,
		AuthMethod:           method,
		InsecureSkipSTARTTLS: true,
	})
	require.NoError(t, err)
	return s
}

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"enabled without host", Config{Enabled: true}, "host is required"},
		{"unknown auth method", Config{Enabled: true, Host: "smtp.example.com", AuthMethod: "cram-md5"}, "unsupported auth method"},
		{"disabled - no validation", Config{}, ""},
		{"valid config", Config{Enabled: true, Host: "smtp.example.com"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{Enabled: true, Host: "smtp.example.com"})
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.Port)
	assert.Equal(t, AuthXOAUTH2, sender.config.AuthMethod)
	assert.Equal(t, domain.ProviderSMTP, sender.Provider())
}

func TestSender_Send_XOAUTH2(t *testing.T) {
	server := startFakeServer(t, "235 2.7.0 Accepted", "250 OK")

	err := newTestSender(t, server.port(), AuthXOAUTH2).Send(context.Background(), testCred, testMessage)
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()

	parts := strings.SplitN(server.authLine, " ", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "XOAUTH2", parts[1])
	decoded, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.Equal(t, "user=sender@example.com\x01auth=Bearer oauth-token\x01\x01", string(decoded))

	assert.Equal(t, "RCPT TO:<rcpt@example.org>", server.rcpt)
	assert.Contains(t, server.data, "Subject: Quarterly update")
	assert.Contains(t, server.data, "Numbers are up.")
}

func TestSender_Send_Plain(t *testing.T) {
	server := startFakeServer(t, "235 2.7.0 Accepted", "250 OK")

	err := newTestSender(t, server.port(), AuthPlain).Send(context.Background(), testCred, testMessage)
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.True(t, strings.HasPrefix(server.authLine, "AUTH PLAIN "))
}

func TestSender_Send_Classification(t *testing.T) {
	tests := []struct {
		name      string
		authReply string
		rcptReply string
		want      mailer.Kind
	}{
		{"rejected token", "535 5.7.8 Username and Password not accepted", "250 OK", mailer.KindAuthExpired},
		{"temporary auth outage", "454 4.7.0 Temporary authentication failure", "250 OK", mailer.KindTransient},
		{"unknown mailbox", "235 Accepted", "550 5.1.1 No such user", mailer.KindPermanent},
		{"mailbox busy", "235 Accepted", "452 4.2.2 Mailbox full", mailer.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startFakeServer(t, tt.authReply, tt.rcptReply)

			err := newTestSender(t, server.port(), AuthXOAUTH2).Send(context.Background(), testCred, testMessage)
			require.Error(t, err)
			assert.Equal(t, tt.want, mailer.KindOf(err))
		})
	}
}

func TestSender_Send_RequiresSTARTTLS(t *testing.T) {
	server := startFakeServer(t, "235 Accepted", "250 OK")

	s, err := NewSender(Config{Enabled: true, Host: "127.0.0.1", Port: server.port()})
	require.NoError(t, err)

	err = s.Send(context.Background(), testCred, testMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
}

func TestSender_Send_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	err = newTestSender(t, port, AuthXOAUTH2).Send(context.Background(), testCred, testMessage)
	require.Error(t, err)
	assert.Equal(t, mailer.KindTransient, mailer.KindOf(err))
}

func TestSender_Send_Disabled(t *testing.T) {
	s, err := NewSender(Config{})
	require.NoError(t, err)

	err = s.Send(context.Background(), testCred, testMessage)
	assert.Equal(t, mailer.KindPermanent, mailer.KindOf(err))
}

func TestClassify_TransportErrors(t *testing.T) {
	assert.Equal(t, mailer.KindTransient, mailer.KindOf(classify(fmt.Errorf("dial smtp: %w", context.DeadlineExceeded))))
	assert.Equal(t, mailer.KindAuthExpired, mailer.KindOf(classify(&authError{err: errors.New("unencrypted connection")})))
}
