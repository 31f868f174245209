package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vultisig/position-manager/config"
	"github.com/vultisig/position-manager/internal/tasks"
)

// Usage:
//   - start postgres, redis and the server
//   - `go run ./scripts/dev/watch_receipt -session=<id> -chain=137 -hash=0x...`
func main() {
	var (
		sessionID string
		chainID   int64
		hash      string
		timeout   time.Duration
	)
	flag.StringVar(&sessionID, "session", "", "session id owning the transaction")
	flag.Int64Var(&chainID, "chain", 137, "chain id")
	flag.StringVar(&hash, "hash", "", "transaction hash")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the receipt")
	flag.Parse()

	if _, err := uuid.Parse(sessionID); err != nil {
		fmt.Println("invalid session id:", err)
		return
	}
	if len(common.FromHex(hash)) != common.HashLength {
		fmt.Println("invalid transaction hash:", hash)
		return
	}

	cfg, err := config.GetConfigure()
	if err != nil {
		fmt.Println(err)
		return
	}
	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOptions)
	defer queueClient.Close()
	queueInspector := asynq.NewInspector(redisOptions)
	defer queueInspector.Close()

	txHash := common.HexToHash(hash)
	err = tasks.EnqueueWatch(queueClient, tasks.WatchReceiptPayload{
		SessionID: sessionID,
		ChainID:   chainID,
		Hash:      txHash,
	}, timeout)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		fmt.Println("A watch for this transaction is already queued")
	case err != nil:
		fmt.Println(fmt.Errorf("failed to enqueue watch task: %w", err))
		return
	default:
		fmt.Println("Enqueued receipt watch")
	}

	if err := waitForTask(queueInspector, tasks.WatchTaskID(chainID, txHash), timeout+time.Minute); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("Receipt handled")
}

func waitForTask(queueInspector *asynq.Inspector, taskID string, timeout time.Duration) error {
	start := time.Now()
	pollInterval := time.Second

	for {
		if time.Since(start) > timeout {
			return fmt.Errorf("timeout waiting for task after %v", timeout)
		}

		task, err := queueInspector.GetTaskInfo(tasks.QUEUE_NAME, taskID)
		if err != nil {
			return fmt.Errorf("failed to get task info: %w", err)
		}

		switch task.State {
		case asynq.TaskStateCompleted:
			return nil
		case asynq.TaskStateArchived:
			return fmt.Errorf("task archived: %s", task.LastErr)
		case asynq.TaskStateRetry:
			fmt.Printf("Retrying after: %s\n", task.LastErr)
		case asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled:
			fmt.Println("Waiting for receipt...")
		default:
			return fmt.Errorf("unexpected task state: %s", task.State)
		}

		time.Sleep(pollInterval)
	}
}
