package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// commonMappings apply after the handler's own mappings.
var commonMappings = []ErrorMapping{
	{Error: domain.ErrInvalidArgument, Status: http.StatusBadRequest},
	{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Message: "request timed out"},
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if m, ok := findMapping(err, mappings); ok {
		writeMapped(w, err, m)
		return
	}
	if m, ok := findMapping(err, commonMappings); ok {
		writeMapped(w, err, m)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

func findMapping(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			return m, true
		}
	}
	return ErrorMapping{}, false
}

func writeMapped(w http.ResponseWriter, err error, m ErrorMapping) {
	msg := m.Message
	if msg == "" {
		msg = err.Error()
	}
	Error(w, m.Status, msg)
}
