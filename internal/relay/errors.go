package relay

import (
	"errors"
	"fmt"

	"github.com/nhle/mailrelay/internal/fetch"
	"github.com/nhle/mailrelay/internal/mailbox"
	"github.com/nhle/mailrelay/internal/uid"
)

// Kind classifies why a request failed.
type Kind int

const (
	KindInternal Kind = iota
	KindRequestMalformed
	KindAuthenticationFailed
	KindRemoteSession
	KindIdentifierNotFound
	KindMalformedIdentifier
)

func (k Kind) String() string {
	switch k {
	case KindRequestMalformed:
		return "request_malformed"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindRemoteSession:
		return "remote_session_error"
	case KindIdentifierNotFound:
		return "identifier_not_found"
	case KindMalformedIdentifier:
		return "malformed_identifier"
	default:
		return "internal_error"
	}
}

// Error is returned by Relay.Handle for every failed request.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Errors that did not pass through the
// relay are classified by their chain.
func KindOf(err error) Kind {
	var relayErr *Error
	switch {
	case errors.As(err, &relayErr):
		return relayErr.Kind
	case errors.Is(err, uid.ErrMalformed):
		return KindMalformedIdentifier
	case errors.Is(err, fetch.ErrNotFound):
		return KindIdentifierNotFound
	case mailbox.IsRemoteError(err):
		return KindRemoteSession
	default:
		return KindInternal
	}
}

// classify wraps err in an *Error carrying its kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return err
	}
	return &Error{Kind: KindOf(err), Err: err}
}

func malformed(format string, args ...any) error {
	return &Error{Kind: KindRequestMalformed, Err: fmt.Errorf(format, args...)}
}
