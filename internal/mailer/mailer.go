// Package mailer defines the single-message send capability and its failure taxonomy.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// Message is one email to one recipient.
type Message struct {
	FromAddress string
	FromName    string
	To          string
	Subject     string
	HTML        string
	Text        string
}

// Sender delivers a message using a sender identity's credential.
type Sender interface {
	Provider() domain.Provider
	Send(ctx context.Context, cred *domain.Credential, msg Message) error
}

// Kind classifies a send failure.
type Kind string

// Failure kinds.
const (
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
	KindAuthExpired Kind = "auth_expired"
)

// SendError is a classified send failure.
type SendError struct {
	Kind Kind
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s send failure (%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s send failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether a later attempt may succeed.
func (e *SendError) IsRetryable() bool {
	return e.Kind == KindTransient
}

// Transient wraps err as a transient failure.
func Transient(err error) *SendError {
	return &SendError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) *SendError {
	return &SendError{Kind: KindPermanent, Err: err}
}

// AuthExpired wraps err as a rejected credential.
func AuthExpired(err error) *SendError {
	return &SendError{Kind: KindAuthExpired, Err: err}
}

// KindOf classifies any error returned by a Sender. Timeouts and unknown
// errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}
	return KindTransient
}

// IsNetworkError reports whether err came from the transport rather than the provider.
func IsNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
