// Package notify is the outbound notification queue: an append-only outbox
// of user-facing events drained by an external delivery worker.
//
// Enqueueing is best effort. A failed append is logged and counted but never
// surfaces to the operation that triggered it.
package notify

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("notification not found")

// Type identifies what happened to the user's account.
type Type string

const (
	TypeTokensPurchased   Type = "tokens_purchased"
	TypeTokensLow         Type = "tokens_low"
	TypeTokensDepleted    Type = "tokens_depleted"
	TypeAccountDowngraded Type = "account_downgraded"
	TypeTokensRefunded    Type = "tokens_refunded"
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	// StatusFailed marks a notification the receiver rejected outright.
	// It is never listed as pending again.
	StatusFailed Status = "failed"
)

// Notification is one queued user-facing message.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Type      Type       `json:"type"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

// Store persists the queue.
type Store interface {
	Append(ctx context.Context, n *Notification) error
	ListPending(ctx context.Context, limit int) ([]*Notification, error)
	// MarkSent flips a notification to sent. Marking an already-sent
	// notification succeeds without changing SentAt.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed takes a pending notification out of the queue. A sent
	// notification stays sent.
	MarkFailed(ctx context.Context, id string) error
}
