// Package fetch relocates durable identifiers in an open session and walks
// ranges of messages from the newest position down.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailrelay/internal/mailbox"
	"github.com/nhle/mailrelay/internal/uid"
)

// ErrNotFound is returned when an identifier does not match any message
// within the search window around its position hint.
var ErrNotFound = errors.New("message identifier not found")

// window is how far the search reaches on each side of the hint.
const window = 10

// ProbeOrder returns the positions Locate examines for hint, in order:
// hint, hint-1, hint+1, ..., hint-window, hint+window. Positions outside
// [1, count] are left out.
func ProbeOrder(hint, count int) []int {
	order := make([]int, 0, 2*window+1)
	add := func(pos int) {
		if pos >= 1 && pos <= count {
			order = append(order, pos)
		}
	}

	add(hint)
	for off := 1; off <= window; off++ {
		add(hint - off)
		add(hint + off)
	}

	return order
}

// Locate finds the current position of target. It stops at the first
// position whose fingerprint matches.
func Locate(
	ctx context.Context, s mailbox.Session, count int, target uid.ID,
) (int, error) {
	for _, pos := range ProbeOrder(target.Hint, count) {
		id, err := uid.Compute(ctx, s, pos)
		if err != nil {
			return 0, err
		}
		if uid.Match(id, target) {
			return pos, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrNotFound, target)
}
