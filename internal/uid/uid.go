// Package uid implements durable message identifiers. An identifier pairs
// the position a message was last seen at with a fingerprint of its header.
// Only the fingerprint carries identity; the position is a search hint.
package uid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nhle/mailrelay/internal/mailbox"
)

// ErrMalformed is returned when an identifier string cannot be decoded.
var ErrMalformed = errors.New("malformed message identifier")

const separator = "-"

// ID is a durable message identifier.
type ID struct {
	Hint        int
	Fingerprint string
}

// String encodes the identifier as "<hint>-<fingerprint>".
func (id ID) String() string {
	return strconv.Itoa(id.Hint) + separator + id.Fingerprint
}

// Parse decodes an identifier, splitting on the first separator.
func Parse(s string) (ID, error) {
	left, right, ok := strings.Cut(s, separator)
	if !ok {
		return ID{}, fmt.Errorf("%w: %q has no separator", ErrMalformed, s)
	}

	hint, err := strconv.Atoi(left)
	if err != nil {
		return ID{}, fmt.Errorf("%w: position hint %q", ErrMalformed, left)
	}
	if right == "" {
		return ID{}, fmt.Errorf("%w: %q has no fingerprint", ErrMalformed, s)
	}

	return ID{Hint: hint, Fingerprint: right}, nil
}

// PositionHint returns the position half of an encoded identifier.
func PositionHint(s string) (int, error) {
	id, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return id.Hint, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Match reports whether a and b refer to the same message. Position hints
// are ignored.
func Match(a, b ID) bool {
	return a.Fingerprint == b.Fingerprint
}

// Fingerprint folds the identifying header fields into a SHA-256 chain:
// each stage hashes the previous hex digest followed by the next field.
// Message-ID contributes a fourth stage only when present.
func Fingerprint(meta mailbox.HeaderMetadata) string {
	digest := chain("", meta.Subject)
	digest = chain(digest, meta.From)
	digest = chain(digest, meta.Date)
	if meta.MessageID != "" {
		digest = chain(digest, meta.MessageID)
	}
	return digest
}

func chain(prev, field string) string {
	sum := sha256.Sum256([]byte(prev + field))
	return hex.EncodeToString(sum[:])
}

// Compute reads the header metadata at pos and derives its identifier.
func Compute(ctx context.Context, s mailbox.Session, pos int) (ID, error) {
	meta, err := s.HeaderMetadata(ctx, pos)
	if err != nil {
		return ID{}, fmt.Errorf("reading header metadata of message %d: %w", pos, err)
	}
	return ID{Hint: pos, Fingerprint: Fingerprint(meta)}, nil
}

// FromHeader derives the identifier of the message at pos from its raw
// header block, sparing a second fetch when the bytes are already at hand.
func FromHeader(pos int, raw []byte) (ID, error) {
	meta, err := mailbox.ParseHeaderMetadata(raw)
	if err != nil {
		return ID{}, &mailbox.RemoteError{
			Op:  "header metadata",
			Err: fmt.Errorf("message %d: %w", pos, err),
		}
	}
	return ID{Hint: pos, Fingerprint: Fingerprint(meta)}, nil
}
