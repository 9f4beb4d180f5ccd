package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// maxRetry is the number of retries after the first attempt fails.
	maxRetry = 3
	// taskTimeout bounds a single delivery attempt.
	taskTimeout = 30 * time.Second
	// taskRetention keeps completed tasks visible in asynq tooling for a day.
	taskRetention = 24 * time.Hour
)

// Queue enqueues mail tasks on Redis through an asynq client.
type Queue struct {
	client *asynq.Client
	logger *slog.Logger
}

var _ Enqueuer = (*Queue)(nil)

// NewQueue creates a Queue for the given Redis URL
// (redis://[:password@]host:port[/db]).
func NewQueue(redisURL string, logger *slog.Logger) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("mail: parsing Redis URL: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt), logger: logger}, nil
}

// newVerificationTask builds the task for p with the retry policy of the
// mail queue.
func newVerificationTask(p VerificationPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("mail: encoding verification payload: %w", err)
	}

	return asynq.NewTask(
		TypeVerificationEmail,
		payload,
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	), nil
}

// EnqueueVerification submits a verification email job.
func (q *Queue) EnqueueVerification(ctx context.Context, p VerificationPayload) error {
	task, err := newVerificationTask(p)
	if err != nil {
		return err
	}

	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("mail: enqueueing verification email: %w", err)
	}

	q.logger.Info("verification email enqueued",
		slog.String("taskID", info.ID),
		slog.String("queue", info.Queue),
		slog.String("email", p.Email),
	)
	return nil
}

// Close closes the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
