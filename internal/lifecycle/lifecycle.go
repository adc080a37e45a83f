// Package lifecycle expires idle sessions and reacts to order-status
// changes by reopening or archiving the affected session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/conversation"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// DefaultIdleTimeout is how long a session may stay quiet before expiry.
const DefaultIdleTimeout = 12 * time.Hour

// updateRetries bounds CAS retries against the live path.
const updateRetries = 3

// OrderStatusEvent is the order-status-change notification.
type OrderStatusEvent struct {
	SessionID string `json:"sessionId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// Manager runs the idle-expiry sweep and order-status reactions.
type Manager struct {
	store store.Store
	idle  time.Duration
	now   func() time.Time
}

// New creates a Manager. idle <= 0 selects the default; now may be nil,
// defaulting to time.Now.
func New(st store.Store, idle time.Duration, now func() time.Time) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, idle: idle, now: now}
}

// ExpireIdle expires active sessions quiet past the idle timeout. Sessions
// holding accumulated order data first get a summary persisted so a later
// reopening can reference what was collected.
func (m *Manager) ExpireIdle(ctx context.Context) {
	cutoff := m.now().Add(-m.idle)
	sessions, err := m.store.ListActiveIdleSince(ctx, cutoff)
	if err != nil {
		log.Printf("[LIFECYCLE] idle sweep failed to list sessions: %v", err)
		return
	}

	for _, sess := range sessions {
		if err := m.expireOne(ctx, sess); err != nil {
			log.Printf("[LIFECYCLE] expire %s: %v", sess.ID, err)
		}
	}
}

func (m *Manager) expireOne(ctx context.Context, sess *store.Session) error {
	if sess.Metadata.HasOrderData() {
		summary := m.buildSummary(sess)
		if err := m.store.SaveSummary(ctx, summary); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		sess.Metadata.SummaryID = summary.ID
	}

	sess.Status = store.StatusExpired
	sess.SessionStatus = store.LifecycleExpired

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// The session saw activity after the scan; leave it alone.
			return nil
		}
		return fmt.Errorf("mark expired: %w", err)
	}

	observability.RecordSessionExpired()
	log.Printf("[LIFECYCLE] session %s expired after %s idle", sess.ID, m.idle)
	return nil
}

// buildSummary narrates the in-progress order so a reopened conversation
// can pick up where it left off.
func (m *Manager) buildSummary(sess *store.Session) *store.SessionSummary {
	meta := &sess.Metadata

	var parts []string
	if len(meta.Items) > 0 {
		names := make([]string, len(meta.Items))
		for i, item := range meta.Items {
			names[i] = fmt.Sprintf("%dx %s", item.Quantity, item.Name)
		}
		parts = append(parts, "itens: "+strings.Join(names, ", "))
	}
	if meta.DeliveryType != "" {
		parts = append(parts, "entrega: "+meta.DeliveryType)
	}
	if meta.PaymentMethod != "" {
		parts = append(parts, "pagamento: "+meta.PaymentMethod)
	}

	return &store.SessionSummary{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		Items:         meta.Items,
		Total:         meta.CartTotal(),
		DeliveryType:  meta.DeliveryType,
		PaymentMethod: meta.PaymentMethod,
		Narrative:     "Sessão expirou com pedido em andamento (" + strings.Join(parts, "; ") + ")",
		CreatedAt:     m.now().UTC(),
	}
}

// HandleOrderStatus reacts to an order-status change. Events with no
// session, an unchanged status or an unknown session are idempotent no-ops.
func (m *Manager) HandleOrderStatus(ctx context.Context, event OrderStatusEvent) error {
	if event.SessionID == "" || event.OldStatus == event.NewStatus {
		return nil
	}

	switch event.NewStatus {
	case "cancelled":
		return m.applyWithRetry(ctx, event.SessionID, m.reopen)
	case "completed":
		return m.applyWithRetry(ctx, event.SessionID, m.archive)
	default:
		return nil
	}
}

// applyWithRetry loads the session, applies the mutation and writes it
// back, retrying the read-modify-write cycle when a concurrent writer wins.
func (m *Manager) applyWithRetry(ctx context.Context, sessionID string, mutate func(*store.Session)) error {
	for i := 0; i < updateRetries; i++ {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return nil
			}
			return fmt.Errorf("load session: %w", err)
		}

		mutate(sess)

		err = m.store.UpdateSession(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("update session: %w", err)
		}
	}
	return fmt.Errorf("update session %s: %w", sessionID, store.ErrVersionConflict)
}

// reopen resets a session whose order was cancelled so the conversation
// can start over.
func (m *Manager) reopen(sess *store.Session) {
	now := m.now().UTC()
	sess.Status = store.StatusActive
	sess.SessionStatus = store.LifecycleActive
	sess.ConversationState = string(conversation.StateGreeting)
	sess.ArchivedAt = nil
	sess.ReopenedAt = &now
	sess.Metadata.Items = nil
	sess.Metadata.ReopenedCount++

	observability.RecordSessionReopened()
	log.Printf("[LIFECYCLE] session %s reopened after order cancellation", sess.ID)
}

// archive closes out a session whose order completed.
func (m *Manager) archive(sess *store.Session) {
	now := m.now().UTC()
	sess.Status = store.StatusArchived
	sess.SessionStatus = store.LifecycleCompleted
	sess.ConversationState = "completed"
	sess.ArchivedAt = &now

	observability.RecordSessionArchived()
	log.Printf("[LIFECYCLE] session %s archived after order completion", sess.ID)
}
