package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/position-manager/internal/tasks"
	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
)

type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, chainID int64, hash common.Hash) (types.Receipt, error)
}

type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, sessionID uuid.UUID, chainID int64, hash common.Hash, receipt types.Receipt) error
}

type WorkerService struct {
	waiter         ReceiptWaiter
	handler        ReceiptHandler
	sdClient       statsd.ClientInterface
	logger         *logrus.Logger
	receiptTimeout time.Duration
}

// NewWorker creates a new worker service
func NewWorker(waiter ReceiptWaiter, handler ReceiptHandler, sdClient statsd.ClientInterface, receiptTimeout time.Duration, logger *logrus.Logger) (*WorkerService, error) {
	if waiter == nil || handler == nil {
		return nil, fmt.Errorf("receipt waiter and handler are required")
	}
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	return &WorkerService{
		waiter:         waiter,
		handler:        handler,
		sdClient:       sdClient,
		logger:         logger,
		receiptTimeout: receiptTimeout,
	}, nil
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// HandleWatchReceipt waits for the receipt of a submitted transaction and
// settles it. Timeouts are retried by the queue.
func (s *WorkerService) HandleWatchReceipt(ctx context.Context, t *asynq.Task) error {
	defer s.measureTime("worker.receipt.latency", time.Now(), []string{})

	var payload tasks.WatchReceiptPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	sessionID, err := uuid.Parse(payload.SessionID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", payload.SessionID, asynq.SkipRetry)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"session_id": payload.SessionID,
		"chain_id":   payload.ChainID,
		"hash":       payload.Hash.Hex(),
	})

	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()
	receipt, err := s.waiter.WaitForReceipt(waitCtx, payload.ChainID, payload.Hash)
	if err != nil {
		s.incCounter("worker.receipt.timeout", []string{})
		logger.Warnf("fail to get receipt: %v", err)
		return fmt.Errorf("fail to get receipt: %w", err)
	}

	err = s.handler.HandleReceipt(ctx, sessionID, payload.ChainID, payload.Hash, receipt)
	switch {
	case err == nil:
		logger.WithField("status", receipt.Status).Info("receipt handled")
		return nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, tracker.ErrRecordNotFound):
		// The session closed or its chain was switched while we waited.
		logger.Infof("dropping receipt: %v", err)
		return nil
	case errors.Is(err, tracker.ErrInvalidTransition):
		return nil
	default:
		s.incCounter("worker.receipt.error", []string{})
		logger.Errorf("fail to handle receipt: %v", err)
		return fmt.Errorf("fail to handle receipt: %w", err)
	}
}
