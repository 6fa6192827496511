package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbd888/tiergate/internal/metrics"
	"github.com/mbd888/tiergate/internal/retry"
)

// errRejected marks a notification the receiver will never accept.
var errRejected = errors.New("notification rejected")

// Relay periodically drains pending notifications to a webhook receiver and
// marks them sent on a 2xx response.
type Relay struct {
	store    Store
	url      string
	secret   string
	client   *http.Client
	interval time.Duration
	batch    int
	backoff  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRelay creates a relay posting to url. When secret is set every request
// carries an HMAC-SHA256 signature of the body.
func NewRelay(store Store, url, secret string, logger *slog.Logger) *Relay {
	return &Relay{
		store:    store,
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: 15 * time.Second,
		batch:    50,
		backoff:  200 * time.Millisecond,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start begins the delivery loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeDeliver(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeDeliver(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic in notification relay", "panic", fmt.Sprint(v))
		}
	}()
	if _, err := r.DeliverPending(ctx); err != nil {
		r.logger.Warn("notification relay pass failed", "error", err)
	}
}

// DeliverPending sends one batch of pending notifications and returns how
// many were marked sent. A transient failure leaves the row pending for the
// next pass; a rejected row is marked failed so it cannot starve newer ones.
func (r *Relay) DeliverPending(ctx context.Context) (int, error) {
	pending, err := r.store.ListPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range pending {
		err := retry.Do(ctx, 3, r.backoff, func() error {
			return r.send(ctx, n)
		})
		if errors.Is(err, errRejected) {
			metrics.NotificationDeliveriesTotal.WithLabelValues("rejected").Inc()
			r.logger.Warn("notification rejected", "id", n.ID, "type", n.Type, "error", err)
			if merr := r.store.MarkFailed(ctx, n.ID); merr != nil {
				r.logger.Warn("failed to mark notification failed", "id", n.ID, "error", merr)
			}
			continue
		}
		if err != nil {
			metrics.NotificationDeliveriesTotal.WithLabelValues("failed").Inc()
			r.logger.Warn("notification delivery failed", "id", n.ID, "type", n.Type, "error", err)
			continue
		}
		if err := r.store.MarkSent(ctx, n.ID, time.Now()); err != nil {
			r.logger.Warn("failed to mark notification sent", "id", n.ID, "error", err)
			continue
		}
		metrics.NotificationDeliveriesTotal.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, nil
}

func (r *Relay) send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: marshal: %v", errRejected, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tiergate-Event", string(n.Type))
	req.Header.Set("X-Tiergate-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if r.secret != "" {
		req.Header.Set("X-Tiergate-Signature", Sign(payload, r.secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("%w: status %d", errRejected, resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
