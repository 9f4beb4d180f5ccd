// Package mail delivers outbound email through a background job queue.
//
// The request path only enqueues. A Worker (embedded in the API server or
// run on its own by cmd/worker) pulls tasks off the "mail" queue, renders
// the message and hands it to a Sender:
//
//	UserService ──Enqueue──▶ Redis (asynq) ──▶ Worker ──▶ Sender (SMTP)
package mail

import (
	"context"
	"log/slog"
)

// TypeVerificationEmail is the asynq task type of a verification email.
const TypeVerificationEmail = "email:verification"

// QueueName is the asynq queue every mail task goes to.
const QueueName = "mail"

// VerificationPayload is the task payload of TypeVerificationEmail.
type VerificationPayload struct {
	Email            string `json:"email"`
	Username         string `json:"username"`
	EmailVerifyToken string `json:"emailVerifyToken"`
}

// Enqueuer submits mail jobs. It never waits for delivery.
type Enqueuer interface {
	EnqueueVerification(ctx context.Context, p VerificationPayload) error
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NopEnqueuer drops every job. It is used when no Redis URL is configured,
// so registration and the rest of the API keep working in development.
type NopEnqueuer struct {
	Logger *slog.Logger
}

// EnqueueVerification logs the dropped email and always succeeds.
func (n NopEnqueuer) EnqueueVerification(ctx context.Context, p VerificationPayload) error {
	if n.Logger != nil {
		n.Logger.Warn("mail queue not configured, dropping verification email",
			slog.String("email", p.Email),
		)
	}
	return nil
}
