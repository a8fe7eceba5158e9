package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/verdantlabs/menuwatch/store"
)

// Retry schedule defaults.
const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 5 * time.Second
	defaultMaxDelay   = 300 * time.Second
	defaultMultiplier = 2.0

	// How many due rows one pass drains.
	retryBatchSize = 10
)

// RetryQueue redelivers failed webhook payloads with exponential backoff,
// persisted so pending deliveries survive restarts.
type RetryQueue struct {
	store      *store.Store
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	log        *slog.Logger
	now        func() time.Time
}

// QueueOption customises a RetryQueue.
type QueueOption func(*RetryQueue)

// WithQueueHTTPClient replaces the delivery client.
func WithQueueHTTPClient(c *http.Client) QueueOption {
	return func(q *RetryQueue) { q.client = c }
}

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *RetryQueue) { q.log = l }
}

// WithQueueClock replaces the clock, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *RetryQueue) { q.now = now }
}

// WithMaxRetries overrides the delivery attempt cap.
func WithMaxRetries(n int) QueueOption {
	return func(q *RetryQueue) { q.maxRetries = n }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(base, max time.Duration, multiplier float64) QueueOption {
	return func(q *RetryQueue) {
		q.baseDelay = base
		q.maxDelay = max
		q.multiplier = multiplier
	}
}

// NewRetryQueue returns a RetryQueue bound to st.
func NewRetryQueue(st *store.Store, opts ...QueueOption) *RetryQueue {
	q := &RetryQueue{
		store:      st,
		client:     &http.Client{Timeout: defaultPostTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		multiplier: defaultMultiplier,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// delay computes the backoff before the given attempt (1-based).
func (q *RetryQueue) delay(attempt int) time.Duration {
	d := time.Duration(float64(q.baseDelay) * math.Pow(q.multiplier, float64(attempt-1)))
	if d > q.maxDelay {
		d = q.maxDelay
	}
	return d
}

// Add queues a payload for redelivery. Repeat failures for the same webhook
// URL collapse onto the existing pending row, merging event ids so none are
// lost; the payload is replaced with the most recent.
func (q *RetryQueue) Add(ctx context.Context, webhookURL, payload string, eventIDs []string, errMsg string) error {
	now := q.now().UnixMilli()

	existing, err := q.store.GetPendingByWebhook(ctx, webhookURL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		next := now + q.delay(1).Milliseconds()
		_, err := q.store.EnqueueNotification(ctx, &store.QueueEntry{
			WebhookURL:    webhookURL,
			Payload:       payload,
			EventIDs:      eventIDs,
			AttemptNumber: 1,
			Status:        store.QueuePending,
			CreatedAt:     now,
			LastAttemptAt: &now,
			NextRetryAt:   &next,
			ErrorMessage:  errMsg,
		})
		return err
	case err != nil:
		return err
	}

	existing.Payload = payload
	existing.EventIDs = mergeIDs(existing.EventIDs, eventIDs)
	existing.ErrorMessage = errMsg
	existing.LastAttemptAt = &now
	return q.store.UpdateQueueEntry(ctx, existing)
}

// ProcessRetries drains up to retryBatchSize due entries, posting each
// payload once. Returns how many were delivered this pass.
func (q *RetryQueue) ProcessRetries(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	due, err := q.store.DueQueueEntries(ctx, now, retryBatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range due {
		if err := q.attempt(ctx, entry); err != nil {
			return delivered, err
		}
		if entry.Status == store.QueueDelivered {
			delivered++
		}
	}
	return delivered, nil
}

func (q *RetryQueue) attempt(ctx context.Context, entry *store.QueueEntry) error {
	now := q.now().UnixMilli()
	entry.LastAttemptAt = &now

	postErr := q.post(ctx, entry.WebhookURL, []byte(entry.Payload))
	if postErr == nil {
		entry.Status = store.QueueDelivered
		entry.DeliveredAt = &now
		entry.NextRetryAt = nil
		entry.ErrorMessage = ""
		if err := q.store.UpdateQueueEntry(ctx, entry); err != nil {
			return err
		}
		if len(entry.EventIDs) > 0 {
			if err := q.store.MarkEventsNotified(ctx, entry.EventIDs, now); err != nil {
				return err
			}
		}
		q.log.Info("queued notification delivered",
			"entry", entry.ID, "attempts", entry.AttemptNumber)
		return nil
	}

	// maxRetries counts total attempts, the original dispatch included, so
	// a failure on attempt maxRetries-1 abandons the entry here rather than
	// scheduling one more redelivery. With the defaults the redelivery
	// waits are 5s/10s/20s/40s; the 80s rung is never reached.
	if entry.AttemptNumber+1 >= q.maxRetries {
		entry.Status = store.QueueFailed
		entry.NextRetryAt = nil
		entry.ErrorMessage = fmt.Sprintf("gave up after %d attempts: %v", entry.AttemptNumber+1, postErr)
		q.log.Warn("queued notification abandoned",
			"entry", entry.ID, "url", entry.WebhookURL, "error", postErr)
		return q.store.UpdateQueueEntry(ctx, entry)
	}

	entry.AttemptNumber++
	next := now + q.delay(entry.AttemptNumber).Milliseconds()
	entry.NextRetryAt = &next
	entry.ErrorMessage = postErr.Error()
	return q.store.UpdateQueueEntry(ctx, entry)
}

// Run drains due entries on a fixed interval until the context ends.
func (q *RetryQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessRetries(ctx); err != nil {
				q.log.Error("retry queue pass failed", "error", err)
			}
		}
	}
}

func (q *RetryQueue) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
