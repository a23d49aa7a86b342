package bridge

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/codefionn/lspbridge/internal/backend"
)

var (
	// ErrClientClosed ends a session whose network side went away.
	ErrClientClosed = errors.New("client closed the connection")
	// ErrOutputClosed ends a session whose language server closed stdout
	// while still running.
	ErrOutputClosed = errors.New("language server closed its output")
	// ErrShutdown ends every session when the server stops.
	ErrShutdown = errors.New("server shutting down")
)

// ExitError ends a session whose language server exited.
type ExitError struct {
	Kind   backend.Kind
	Code   int
	Status string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited: %s", e.Kind, e.Status)
}

// maxCloseReason is the payload limit of a close frame minus the 2 byte code.
const maxCloseReason = 123

// CloseReason truncates reason so it fits into a close frame.
func CloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	// Back up to a rune boundary.
	for cut > 0 && reason[cut]&0xC0 == 0x80 {
		cut--
	}
	return reason[:cut]
}

// closeFrame maps a termination cause to the close frame sent to the
// client. ok is false when no frame should be sent.
func closeFrame(kind backend.Kind, cause error) (code int, reason string, ok bool) {
	var exitErr *ExitError
	switch {
	case errors.As(cause, &exitErr):
		return websocket.CloseInternalServerErr, exitErr.Error(), true
	case errors.Is(cause, ErrOutputClosed):
		return websocket.CloseInternalServerErr, fmt.Sprintf("%s closed its output", kind), true
	case errors.Is(cause, ErrShutdown):
		return websocket.CloseGoingAway, ErrShutdown.Error(), true
	case errors.Is(cause, ErrClientClosed):
		return 0, "", false
	case cause == nil:
		return websocket.CloseNormalClosure, "", true
	default:
		return websocket.CloseInternalServerErr, fmt.Sprintf("%s session failed: %v", kind, cause), true
	}
}

// causeLabel is the low-cardinality metric label for a termination cause.
func causeLabel(cause error) string {
	var exitErr *ExitError
	switch {
	case errors.As(cause, &exitErr):
		return "exited"
	case errors.Is(cause, ErrOutputClosed):
		return "output_closed"
	case errors.Is(cause, ErrShutdown):
		return "shutdown"
	case errors.Is(cause, ErrClientClosed):
		return "client_closed"
	default:
		return "error"
	}
}
