// Package oracle talks to the external conversational assistant that writes
// the coaching replies.
package oracle

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrOracle wraps every failure of the assistant round-trip, including
// timeouts and empty replies.
var ErrOracle = errors.New("oracle request failed")

// Request is one user turn sent to the assistant.
type Request struct {
	ThreadRef string
	Phase     int
	PhaseName string
	Message   string
}

// Oracle is an opaque text-completion service with per-session
// conversation context.
type Oracle interface {
	// NewThread opens a conversation context and returns its handle.
	NewThread(ctx context.Context) (string, error)
	// Reply posts the message to the thread and waits for the answer.
	Reply(ctx context.Context, req Request) (string, error)
}

// Unavailable is used when no assistant credentials are configured. Threads
// are local placeholders and every reply fails with ErrOracle.
type Unavailable struct{}

func (Unavailable) NewThread(context.Context) (string, error) {
	return "offline-" + uuid.New().String(), nil
}

func (Unavailable) Reply(context.Context, Request) (string, error) {
	return "", errors.Wrap(ErrOracle, "assistant not configured")
}
