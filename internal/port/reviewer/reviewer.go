// Package reviewer defines the port for the external reviewer capability:
// a model backend that accepts a role-framed prompt and a document and
// returns raw, unvalidated text.
package reviewer

import (
	"context"
	"errors"

	"github.com/specgate/specgate/internal/domain/audit"
)

// Request carries one review call across the boundary.
type Request struct {
	Role     string
	Provider audit.ProviderBinding
	Prompt   string
	Document audit.Document
}

// Client is the port interface for reviewer backends. The concrete provider,
// authentication, and rate limiting live entirely behind it.
type Client interface {
	// Review sends one prompt and returns the raw model output.
	// Blocking; honors ctx cancellation and deadlines.
	Review(ctx context.Context, req Request) (string, error)
}

// Fatal marks errors that will not heal on retry, such as bad credentials
// or an unknown model. Implementations attach it to their error types.
type Fatal interface {
	FatalReview() bool
}

// IsFatal reports whether err carries a fatal review marker.
func IsFatal(err error) bool {
	var f Fatal
	return errors.As(err, &f) && f.FatalReview()
}
