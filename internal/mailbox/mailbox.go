package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// RemoteError indicates that a call against the backend mail server failed.
// Op names the failed operation (e.g., "open", "fetch header").
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsRemoteError reports whether err (or any error in its chain) is a RemoteError.
func IsRemoteError(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr)
}

// Endpoint holds the backend address and the mailbox credentials that are
// forwarded to it. These are distinct from the relay's own credentials.
type Endpoint struct {
	Address  string
	Username string
	Password string
}

// HeaderMetadata holds the header fields that identify a message.
type HeaderMetadata struct {
	Subject string
	From    string
	Date    string

	// MessageID is empty when the message carries no Message-ID header.
	MessageID string
}

// Dialer opens sessions against a backend mail server.
type Dialer interface {
	// Open connects, authenticates and selects the inbox.
	Open(ctx context.Context, ep Endpoint) (Session, error)
}

// Session is one open connection to a mailbox. Positions are 1-based and
// only valid for the lifetime of the session.
type Session interface {
	// MessageCount returns the number of messages in the inbox.
	MessageCount(ctx context.Context) (int, error)

	// HeaderMetadata returns the identifying header fields at pos.
	HeaderMetadata(ctx context.Context, pos int) (HeaderMetadata, error)

	// HeaderBytes returns the raw header block at pos.
	HeaderBytes(ctx context.Context, pos int) ([]byte, error)

	// BodyBytes returns the full raw message at pos.
	BodyBytes(ctx context.Context, pos int) ([]byte, error)

	// Close ends the session. It must be called exactly once.
	Close() error
}
