package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailrelay/internal/mailbox"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/uid"
)

// NewMessages returns up to batchSize headers from the top of the mailbox,
// newest first. When newerThan is located, the walk stops above its
// position; otherwise it covers the last batchSize messages.
func NewMessages(
	ctx context.Context,
	s mailbox.Session,
	count, batchSize int,
	newerThan *uid.ID,
) ([]model.MessageHeader, error) {
	bound := count - batchSize

	if newerThan != nil {
		pos, err := Locate(ctx, s, count, *newerThan)
		switch {
		case err == nil:
			bound = pos
		case errors.Is(err, ErrNotFound):
			// Unknown reference point: fall back to the latest batch.
		default:
			return nil, err
		}
	}

	return walkHeaders(ctx, s, count, bound, batchSize)
}

// OldMessages returns up to batchSize headers strictly below olderThan,
// newest first. An identifier that cannot be located yields an empty
// result.
func OldMessages(
	ctx context.Context,
	s mailbox.Session,
	count, batchSize int,
	olderThan uid.ID,
) ([]model.MessageHeader, error) {
	pos, err := Locate(ctx, s, count, olderThan)
	if errors.Is(err, ErrNotFound) {
		return []model.MessageHeader{}, nil
	}
	if err != nil {
		return nil, err
	}

	return walkHeaders(ctx, s, pos-1, 0, batchSize)
}

// MessageBody locates id and returns the full raw message.
func MessageBody(
	ctx context.Context,
	s mailbox.Session,
	count int,
	id uid.ID,
) ([]byte, error) {
	pos, err := Locate(ctx, s, count, id)
	if err != nil {
		return nil, err
	}

	body, err := s.BodyBytes(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("fetching body of message %d: %w", pos, err)
	}

	return body, nil
}

// walkHeaders collects headers from top down to (but excluding) bound,
// taking at most limit messages and never going below position 1.
func walkHeaders(
	ctx context.Context,
	s mailbox.Session,
	top, bound, limit int,
) ([]model.MessageHeader, error) {
	headers := make([]model.MessageHeader, 0, max(0, min(limit, top-bound)))

	for pos := top; pos > bound && pos >= 1 && len(headers) < limit; pos-- {
		raw, err := s.HeaderBytes(ctx, pos)
		if err != nil {
			return nil, fmt.Errorf("fetching header of message %d: %w", pos, err)
		}

		id, err := uid.FromHeader(pos, raw)
		if err != nil {
			return nil, err
		}

		headers = append(headers, model.MessageHeader{
			UID:    id,
			Header: raw,
		})
	}

	return headers, nil
}
