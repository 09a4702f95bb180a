package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// pruneTimeout is the maximum time allowed for a single prune.
const pruneTimeout = 30 * time.Second

// Pruner periodically removes audit entries older than the retention.
type Pruner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewPruner creates a pruner for s.
func NewPruner(
	s Store, retention, interval time.Duration, log logrus.FieldLogger,
) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     s,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       log,
	}
}

// Run prunes once immediately and then on every interval until ctx is
// done. A zero retention keeps everything and returns at once.
func (p *Pruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce removes expired entries. Failures are logged, not returned,
// so one bad prune does not stop the relay.
func (p *Pruner) PruneOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	cutoff := p.now().Add(-p.retention)

	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Warn("Failed to prune audit log")
		return
	}
	if n > 0 {
		p.log.WithField("removed", n).Info("Pruned audit log")
	}
}
