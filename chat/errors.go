package chat

import "github.com/pkg/errors"

// Sentinel errors for the chat pipeline. The HTTP layer maps them to status
// codes; everything below it reasons about these values only.
var (
	// ErrInvalidInput marks a malformed or empty request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a chat that does not exist or is owned by someone
	// else. Callers cannot tell the two cases apart.
	ErrNotFound = errors.New("chat not found")

	// ErrNoResumableState marks a resume attempt against a chat whose latest
	// assistant message is already complete (or that has no assistant message).
	ErrNoResumableState = errors.New("no resumable state")

	// ErrUpstream marks a provider failure before any content was produced.
	ErrUpstream = errors.New("upstream provider error")

	// ErrBusy marks a request rejected because the generation concurrency
	// limit is saturated.
	ErrBusy = errors.New("too many concurrent generations")
)
