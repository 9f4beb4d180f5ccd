package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// retryDelay is the fixed backoff between delivery attempts.
const retryDelay = 5 * time.Second

// asynqLogger adapts slog.Logger to the asynq.Logger interface.
type asynqLogger struct {
	logger *slog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.logger.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.logger.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.logger.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.logger.Error(fmt.Sprint(args...)) }

// Fatal is only called by asynq for unrecoverable startup errors.
func (a asynqLogger) Fatal(args ...any) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	RedisURL    string
	Concurrency int // parallel deliveries; defaults to 5
}

// Worker consumes the mail queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewWorker creates a Worker that delivers verification emails rendered by
// tmpl through sender.
func NewWorker(cfg WorkerConfig, tmpl *Templates, sender Sender, logger *slog.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("mail: parsing Redis URL: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{QueueName: 1},
		RetryDelayFunc:  fixedRetryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(errorHandler(logger)),
		Logger:          asynqLogger{logger: logger},
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeVerificationEmail, &VerificationHandler{
		templates: tmpl,
		sender:    sender,
		logger:    logger,
	})

	return &Worker{server: server, mux: mux, logger: logger}, nil
}

// Start runs the worker in the background. Use it when the worker is
// embedded in the API server; call Shutdown to stop it.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("mail: starting worker: %w", err)
	}
	w.logger.Info("mail worker started", slog.String("queue", QueueName))
	return nil
}

// Run blocks until SIGINT or SIGTERM. Use it for the standalone worker.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown waits for in-flight deliveries and stops the worker.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	w.logger.Info("mail worker stopped")
}

// fixedRetryDelay waits the same 5s before every retry.
func fixedRetryDelay(int, error, *asynq.Task) time.Duration {
	return retryDelay
}

// errorHandler logs every failed attempt with its retry position.
func errorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error("mail task failed",
			slog.String("type", task.Type()),
			slog.String("error", err.Error()),
			slog.Int("retryCount", retried),
			slog.Int("maxRetry", maxRetry),
		)
	}
}

// VerificationHandler processes TypeVerificationEmail tasks.
type VerificationHandler struct {
	templates *Templates
	sender    Sender
	logger    *slog.Logger
}

var _ asynq.Handler = (*VerificationHandler)(nil)

// ProcessTask renders and sends one verification email.
//
// A payload that does not decode, or lacks an address or token, can never
// succeed, so it is failed with asynq.SkipRetry. Delivery errors are
// returned as-is and retried.
func (h *VerificationHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var p VerificationPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("mail: invalid verification payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Email == "" || p.EmailVerifyToken == "" {
		return fmt.Errorf("mail: verification payload missing email or token: %w", asynq.SkipRetry)
	}

	msg, err := h.templates.Verification(p)
	if err != nil {
		return fmt.Errorf("mail: rendering verification email: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("mail: sending verification email: %w", err)
	}

	h.logger.Info("verification email sent", slog.String("email", p.Email))
	return nil
}
