package fulfillment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/purchase"
	"github.com/maneesh/sourcenet/internal/queue"
)

const sweepBatch = 100

// StaleLister is satisfied by the relational stores.
type StaleLister interface {
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// Sweeper re-enqueues processing purchases that have not moved for a while,
// covering tasks lost between commit and enqueue.
type Sweeper struct {
	store      StaleLister
	queue      queue.Queue
	interval   time.Duration
	staleAfter time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewSweeper returns a Sweeper.
func NewSweeper(store StaleLister, q queue.Queue, interval, staleAfter time.Duration, logger logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		store:      store,
		queue:      q,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "sweeper"),
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("recovery sweep failed")
			}
		}
	}
}

// SweepOnce enqueues stale purchases and returns how many were new to the queue.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListStaleProcessing(ctx, s.now().Add(-s.staleAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range ids {
		ok, err := s.queue.Enqueue(ctx, purchase.FulfillmentTask(id), 0)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.WithFields(logrus.Fields{
			"stale":    len(ids),
			"enqueued": enqueued,
		}).Info("Recovered stale purchases")
	}
	return enqueued, nil
}
