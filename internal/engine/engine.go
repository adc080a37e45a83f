// Package engine runs the per-turn pipeline: inbound messages are batched
// by the debouncer, and each flushed batch is enriched, routed to a
// capability, answered, advanced through the conversation state machine and
// delivered back to the customer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/conversation"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/debounce"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/delivery"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/enrich"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/orchestrate"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// persistRetries bounds CAS retries when a turn races a sweep.
const persistRetries = 3

// fallbackReply is sent when the responder fails; the conversation keeps
// going on the next inbound message.
const fallbackReply = "Desculpe, tive um problema para processar sua mensagem. Pode tentar de novo?"

// Router picks the capability for a message. *orchestrate.Orchestrator
// satisfies it.
type Router interface {
	Decide(ctx context.Context, userMessage string, summary orchestrate.Summary) orchestrate.Decision
}

// Deliverer sends the outbound reply. *delivery.Sender satisfies it.
type Deliverer interface {
	Send(ctx context.Context, recipient, text string) delivery.Result
}

// Engine wires the turn pipeline together. It owns the debouncer and acts
// as its batch handler.
type Engine struct {
	store     store.Store
	enricher  *enrich.Enricher
	router    Router
	responder Responder
	sender    Deliverer
	affirm    conversation.AffirmationClassifier
	debouncer *debounce.Debouncer
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAffirmation overrides the affirmation classifier.
func WithAffirmation(a conversation.AffirmationClassifier) Option {
	return func(e *Engine) { e.affirm = a }
}

// New creates an Engine. debounceThreshold <= 0 selects the debouncer's
// default window.
func New(st store.Store, enricher *enrich.Enricher, router Router, responder Responder, sender Deliverer, debounceThreshold time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		enricher:  enricher,
		router:    router,
		responder: responder,
		sender:    sender,
		affirm:    conversation.NewKeywordAffirmation(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.debouncer = debounce.New(st, e, debounceThreshold, e.now)
	return e
}

// HandleInbound records one customer message: it resolves (or creates) the
// session for the phone and queues the message for the debounce window. The
// reply happens later, when the window expires and FlushExpired hands the
// batch to ProcessBatch.
func (e *Engine) HandleInbound(ctx context.Context, restaurantID, phone, text string) (string, error) {
	observability.RecordMessageReceived(restaurantID)

	sess, err := e.resolveSession(ctx, restaurantID, phone)
	if err != nil {
		return "", fmt.Errorf("resolving session for %s: %w", phone, err)
	}
	if err := e.debouncer.Enqueue(ctx, sess.ID, text, e.now()); err != nil {
		return "", fmt.Errorf("queueing message for session %s: %w", sess.ID, err)
	}
	return sess.ID, nil
}

// FlushExpired runs one debounce sweep. Scheduled from the outside.
func (e *Engine) FlushExpired(ctx context.Context) {
	e.debouncer.FlushExpired(ctx)
}

// resolveSession finds the live session for a phone or starts a new one.
// An expired session is revived in place so its prior summary stays
// reachable; an archived session's order is done, so a fresh conversation
// gets a fresh session.
func (e *Engine) resolveSession(ctx context.Context, restaurantID, phone string) (*store.Session, error) {
	sess, err := e.store.GetSessionByPhone(ctx, restaurantID, phone)
	if errors.Is(err, store.ErrSessionNotFound) {
		return e.createSession(ctx, restaurantID, phone)
	}
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case store.StatusActive:
		return sess, nil
	case store.StatusExpired:
		return e.revive(ctx, sess)
	default:
		return e.createSession(ctx, restaurantID, phone)
	}
}

func (e *Engine) createSession(ctx context.Context, restaurantID, phone string) (*store.Session, error) {
	now := e.now()
	sess := &store.Session{
		ID:                uuid.NewString(),
		CustomerPhone:     phone,
		RestaurantID:      restaurantID,
		Status:            store.StatusActive,
		SessionStatus:     store.LifecycleActive,
		ConversationState: string(conversation.StateGreeting),
		CreatedAt:         now,
		LastMessageAt:     now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	log.Printf("[ENGINE] session %s created for %s at %s", sess.ID, phone, restaurantID)
	return sess, nil
}

// revive reactivates an expired session on new contact. Order data from
// before the expiry is kept; the conversation restarts at greeting.
func (e *Engine) revive(ctx context.Context, sess *store.Session) (*store.Session, error) {
	for attempt := 0; attempt < persistRetries; attempt++ {
		reopenedAt := e.now()
		sess.Status = store.StatusActive
		sess.SessionStatus = store.LifecycleActive
		sess.ConversationState = string(conversation.StateGreeting)
		sess.ReopenedAt = &reopenedAt
		sess.Metadata.ReopenedCount++

		err := e.store.UpdateSession(ctx, sess)
		if err == nil {
			log.Printf("[ENGINE] session %s revived after expiry", sess.ID)
			observability.RecordSessionReopened()
			return sess, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		fresh, err := e.store.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == store.StatusActive {
			// Someone else already brought it back.
			return fresh, nil
		}
		sess = fresh
	}
	return nil, store.ErrVersionConflict
}

// ProcessBatch handles one flushed debounce batch. It implements
// debounce.BatchHandler. Lookup and reasoning failures degrade; only
// persistence failures propagate.
func (e *Engine) ProcessBatch(ctx context.Context, sess *store.Session, combined string) error {
	// The batch claim bumped the session version; work from that snapshot.
	ectx := e.enricher.Enrich(ctx, sess)

	summary := orchestrate.Summary{
		HasItems:       len(sess.Metadata.Items) > 0,
		ItemCount:      len(sess.Metadata.Items),
		CartTotal:      sess.Metadata.CartTotal(),
		State:          sess.ConversationState,
		RestaurantName: ectx.Restaurant.Name,
	}
	decision := e.router.Decide(ctx, combined, summary)
	log.Printf("[ENGINE] session %s routed to %s: %s", sess.ID, decision.Agent, decision.Reasoning)

	reply, err := e.responder.Respond(ctx, ReplyRequest{
		Session:  sess,
		Message:  combined,
		Decision: decision,
		Context:  ectx,
	})
	if err != nil {
		log.Printf("[ENGINE] responder failed for session %s: %v", sess.ID, err)
		reply = fallbackReply
	}

	if err := e.advanceState(ctx, sess, combined); err != nil {
		return fmt.Errorf("advancing state for session %s: %w", sess.ID, err)
	}

	result := e.sender.Send(ctx, sess.CustomerPhone, reply)
	if !result.Success {
		// The customer can always message again; the turn is not failed.
		log.Printf("[ENGINE] delivery to %s failed after %d attempts: %v", sess.CustomerPhone, result.Attempts, result.Err)
	}
	return nil
}

// advanceState computes the next conversation state from the current
// metadata and persists it. On a CAS conflict the session is reloaded and
// the transition recomputed from the fresh metadata, never replayed from
// the stale snapshot.
func (e *Engine) advanceState(ctx context.Context, sess *store.Session, message string) error {
	for attempt := 0; attempt < persistRetries; attempt++ {
		current := conversation.State(sess.ConversationState)
		criteria := conversation.ComputeCriteria(&sess.Metadata)
		next := conversation.NextState(current, criteria, message, e.affirm)
		if next == current {
			return nil
		}

		sess.ConversationState = string(next)
		err := e.store.UpdateSession(ctx, sess)
		if err == nil {
			observability.RecordStateTransition(string(current), string(next))
			log.Printf("[ENGINE] session %s state %s -> %s", sess.ID, current, next)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		fresh, gerr := e.store.GetSession(ctx, sess.ID)
		if gerr != nil {
			return gerr
		}
		*sess = *fresh
	}
	return store.ErrVersionConflict
}
