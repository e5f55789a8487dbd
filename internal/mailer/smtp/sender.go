// Package smtp sends campaign mail through an SMTP relay using the sender
// identity's token as XOAUTH2 bearer or app password.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
)

// Authentication mechanisms.
const (
	AuthXOAUTH2 = "xoauth2"
	AuthPlain   = "plain"
)

// Config holds SMTP sender configuration.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	AuthMethod  string
	DialTimeout time.Duration
	// InsecureSkipSTARTTLS sends in clear text when the relay offers no STARTTLS.
	InsecureSkipSTARTTLS bool
}

// Sender implements mailer.Sender via SMTP.
type Sender struct {
	config Config
	now    func() time.Time
}

// NewSender creates a new SMTP sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.Host == "" {
		return nil, errors.New("smtp sender: host is required when enabled")
	}

	if config.Port == 0 {
		config.Port = 587
	}
	if config.AuthMethod == "" {
		config.AuthMethod = AuthXOAUTH2
	}
	if config.AuthMethod != AuthXOAUTH2 && config.AuthMethod != AuthPlain {
		return nil, fmt.Errorf("smtp sender: unsupported auth method %q", config.AuthMethod)
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	slog.Info("smtp sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.Host,
		"smtp_port", config.Port,
		"auth_method", config.AuthMethod,
	)

	return &Sender{
		config: config,
		now:    time.Now,
	}, nil
}

// Provider returns the provider handled by this sender.
func (s *Sender) Provider() domain.Provider {
	return domain.ProviderSMTP
}

// Send delivers one message.
func (s *Sender) Send(ctx context.Context, cred *domain.Credential, msg mailer.Message) error {
	if !s.config.Enabled {
		return mailer.Permanent(errors.New("smtp sender disabled"))
	}

	raw, err := mailer.BuildMIME(msg, s.now())
	if err != nil {
		return mailer.Permanent(err)
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	if err := s.sendWithSTARTTLS(ctx, addr, tlsConfig, s.auth(cred), msg.FromAddress, msg.To, raw); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) auth(cred *domain.Credential) smtp.Auth {
	if s.config.AuthMethod == AuthPlain {
		return smtp.PlainAuth("", cred.FromAddress, cred.AccessToken, s.config.Host)
	}
	return &xoauth2Auth{username: cred.FromAddress, token: cred.AccessToken}
}

// sendWithSTARTTLS sends a message using STARTTLS (port 587).
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, auth smtp.Auth, from, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if !s.config.InsecureSkipSTARTTLS {
		return errors.New("smtp server does not support STARTTLS")
	}

	if err := client.Auth(auth); err != nil {
		return &authError{err: err}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

type authError struct {
	err error
}

func (e *authError) Error() string { return "auth: " + e.err.Error() }

func (e *authError) Unwrap() error { return e.err }

// classify maps SMTP reply codes and transport errors onto send failure kinds.
func classify(err error) error {
	var aErr *authError
	duringAuth := errors.As(err, &aErr)

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		sendErr := &mailer.SendError{Code: tpErr.Code, Err: err}
		switch {
		case tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535:
			sendErr.Kind = mailer.KindAuthExpired
		case tpErr.Code >= 400 && tpErr.Code < 500:
			sendErr.Kind = mailer.KindTransient
		case duringAuth:
			sendErr.Kind = mailer.KindAuthExpired
		default:
			sendErr.Kind = mailer.KindPermanent
		}
		return sendErr
	}

	if duringAuth && !mailer.IsNetworkError(err) {
		return mailer.AuthExpired(err)
	}
	return mailer.Transient(err)
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

func (a *xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		// The server sent an error challenge; an empty reply yields the final status.
		return []byte{}, nil
	}
	return nil, nil
}
