package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/tasks"
	"github.com/vultisig/position-manager/internal/types"
)

const sweepBatchSize = 100

type PendingSource interface {
	GetStalePendingTransactions(ctx context.Context, addedBefore time.Time, limit int) ([]types.SessionTransaction, error)
}

// SweepService re-enqueues receipt watches for transactions that stayed
// pending longer than staleAfter, e.g. after a restart lost the worker's task.
type SweepService struct {
	db             PendingSource
	logger         *logrus.Logger
	client         tasks.QueueClient
	schedule       cron.Schedule
	staleAfter     time.Duration
	receiptTimeout time.Duration
	now            func() time.Time
	done           chan struct{}
}

func NewSweepService(db PendingSource, logger *logrus.Logger, client tasks.QueueClient, spec string, staleAfter, receiptTimeout time.Duration) (*SweepService, error) {
	if db == nil {
		return nil, fmt.Errorf("database backend is nil")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("fail to parse sweep schedule %q: %w", spec, err)
	}

	return &SweepService{
		db:             db,
		logger:         logger,
		client:         client,
		schedule:       schedule,
		staleAfter:     staleAfter,
		receiptTimeout: receiptTimeout,
		now:            time.Now,
		done:           make(chan struct{}),
	}, nil
}

func (s *SweepService) Start() {
	go s.run()
}

func (s *SweepService) Stop() {
	close(s.done)
}

func (s *SweepService) run() {
	for {
		now := s.now().UTC()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))

		select {
		case <-timer.C:
			enqueued, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Errorf("Failed to sweep pending transactions: %v", err)
				continue
			}
			if enqueued > 0 {
				s.logger.WithField("enqueued", enqueued).Info("Re-enqueued receipt watches")
			}
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// Sweep enqueues one watch per stale pending transaction and returns how many
// were newly enqueued.
func (s *SweepService) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	pending, err := s.db.GetStalePendingTransactions(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get stale pending transactions: %w", err)
	}

	enqueued := 0
	for _, p := range pending {
		err := tasks.EnqueueWatch(s.client, tasks.WatchReceiptPayload{
			SessionID: p.SessionID,
			ChainID:   p.Record.ChainID,
			Hash:      p.Record.Hash,
		}, s.receiptTimeout)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			continue
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"session_id": p.SessionID,
				"hash":       p.Record.Hash.Hex(),
			}).Errorf("Failed to enqueue watch task: %v", err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
