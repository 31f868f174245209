package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"
)

const QUEUE_NAME = "position_manager_queue"

const (
	TypeWatchReceipt = "position:watch_receipt"
)

type QueueClient interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// WatchReceiptPayload identifies a submitted transaction whose receipt is awaited.
type WatchReceiptPayload struct {
	SessionID string      `json:"session_id"`
	ChainID   int64       `json:"chain_id"`
	Hash      common.Hash `json:"hash"`
}

// WatchTaskID is unique per transaction so the same hash is watched once.
func WatchTaskID(chainID int64, hash common.Hash) string {
	return fmt.Sprintf("watch:%d:%s", chainID, strings.ToLower(hash.Hex()))
}

// EnqueueWatch schedules a receipt watch for one transaction. A task for the
// same hash that is still queued yields asynq.ErrTaskIDConflict.
func EnqueueWatch(client QueueClient, payload WatchReceiptPayload, receiptTimeout time.Duration) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fail to marshal watch payload: %w", err)
	}
	_, err = client.Enqueue(
		asynq.NewTask(TypeWatchReceipt, buf),
		asynq.TaskID(WatchTaskID(payload.ChainID, payload.Hash)),
		asynq.MaxRetry(3),
		asynq.Timeout(receiptTimeout+time.Minute),
		asynq.Retention(10*time.Minute),
		asynq.Queue(QUEUE_NAME),
	)
	return err
}
