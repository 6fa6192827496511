package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tiergate/internal/idgen"
	"github.com/mbd888/tiergate/internal/metrics"
)

// Queue appends notifications to a Store. All methods are fire-and-forget:
// errors are logged but never returned.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a notification queue over store.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger, now: time.Now}
}

// Enqueue appends one pending notification. The append runs on a detached
// context so a cancelled request does not drop the message.
func (q *Queue) Enqueue(ctx context.Context, userID string, typ Type, subject, body string) {
	if q == nil || q.store == nil {
		return
	}
	n := &Notification{
		ID:        idgen.New(),
		UserID:    userID,
		Type:      typ,
		Subject:   subject,
		Body:      body,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := q.safeAppend(appendCtx, n); err != nil {
		metrics.NotificationEnqueueErrorsTotal.WithLabelValues(string(typ)).Inc()
		q.logger.Warn("notification enqueue failed", "user_id", userID, "type", typ, "error", err)
		return
	}
	metrics.NotificationsEnqueuedTotal.WithLabelValues(string(typ)).Inc()
}

func (q *Queue) safeAppend(ctx context.Context, n *Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in notification store: %v", r)
		}
	}()
	return q.store.Append(ctx, n)
}
