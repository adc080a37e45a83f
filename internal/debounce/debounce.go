// Package debounce absorbs rapid-fire inbound messages into a per-session
// pending queue and flushes idle queues as one combined message.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// DefaultThreshold is the quiet period after which a queue is flushed.
const DefaultThreshold = 8 * time.Second

// enqueueRetries bounds CAS retries when the live path races a sweep.
const enqueueRetries = 3

// BatchHandler processes one flushed batch as if it had just arrived.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, sess *store.Session, combined string) error
}

// Debouncer batches inbound messages per session.
type Debouncer struct {
	store     store.Store
	handler   BatchHandler
	threshold time.Duration
	now       func() time.Time
}

// New creates a Debouncer. threshold <= 0 selects the default; now may be
// nil, defaulting to time.Now.
func New(st store.Store, handler BatchHandler, threshold time.Duration, now func() time.Time) *Debouncer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Debouncer{store: st, handler: handler, threshold: threshold, now: now}
}

// Enqueue appends a message to the session's pending queue, stamps the
// last-message timestamp and arms the debounce window. Re-arming an armed
// window simply extends it to the newest message.
func (d *Debouncer) Enqueue(ctx context.Context, sessionID, text string, at time.Time) error {
	for i := 0; i < enqueueRetries; i++ {
		sess, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		sess.Metadata.PendingMessages = append(sess.Metadata.PendingMessages, store.PendingMessage{
			Text:       text,
			ReceivedAt: at,
		})
		sess.Metadata.DebounceActive = true
		sess.LastMessageAt = at

		err = d.store.UpdateSession(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("enqueue message: %w", err)
		}
		// Lost a race with the sweep or another inbound; reload and retry.
	}
	return fmt.Errorf("enqueue message: %w", store.ErrVersionConflict)
}

// FlushExpired scans armed sessions and flushes every queue that has been
// quiet past the threshold. The queue and the armed flag are cleared in the
// same conditional write that claims the batch, so a concurrent flusher
// loses the race instead of processing the batch twice.
func (d *Debouncer) FlushExpired(ctx context.Context) {
	sessions, err := d.store.ListDebouncePending(ctx)
	if err != nil {
		log.Printf("[DEBOUNCE] sweep failed to list pending sessions: %v", err)
		return
	}

	cutoff := d.now().Add(-d.threshold)
	for _, sess := range sessions {
		if sess.LastMessageAt.After(cutoff) {
			continue // window still open
		}
		if len(sess.Metadata.PendingMessages) == 0 {
			// Armed flag without messages; disarm and move on.
			sess.Metadata.DebounceActive = false
			if err := d.store.UpdateSession(ctx, sess); err != nil && !errors.Is(err, store.ErrVersionConflict) {
				log.Printf("[DEBOUNCE] disarm %s: %v", sess.ID, err)
			}
			continue
		}

		combined := combine(sess.Metadata.PendingMessages)
		sess.Metadata.PendingMessages = nil
		sess.Metadata.DebounceActive = false

		if err := d.store.UpdateSession(ctx, sess); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// Another path claimed or extended this batch; skip.
				continue
			}
			log.Printf("[DEBOUNCE] claim batch for %s: %v", sess.ID, err)
			continue
		}

		observability.RecordBatchFlushed()
		if err := d.handler.ProcessBatch(ctx, sess, combined); err != nil {
			log.Printf("[DEBOUNCE] process batch for %s: %v", sess.ID, err)
		}
	}
}

// combine joins queued messages in arrival order.
func combine(pending []store.PendingMessage) string {
	texts := make([]string, len(pending))
	for i, msg := range pending {
		texts[i] = msg.Text
	}
	return strings.Join(texts, "\n")
}
