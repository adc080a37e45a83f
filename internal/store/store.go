package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotFound is returned when a non-session record doesn't exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional update lost a race
	// with a concurrent writer. Callers should reload and retry or skip.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store abstracts session and record persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession persists a new session and assigns its initial version.
	CreateSession(ctx context.Context, sess *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSessionByPhone retrieves the session bound to a customer phone at
	// a restaurant. Returns ErrSessionNotFound when none exists.
	GetSessionByPhone(ctx context.Context, restaurantID, phone string) (*Session, error)

	// UpdateSession writes the session only if the stored version still
	// matches sess.Version, bumping the version on success. A lost race
	// returns ErrVersionConflict.
	UpdateSession(ctx context.Context, sess *Session) error

	// ListDebouncePending returns sessions with an active debounce window.
	ListDebouncePending(ctx context.Context) ([]*Session, error)

	// ListActiveIdleSince returns active sessions whose last message is
	// older than cutoff.
	ListActiveIdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// SaveOrder persists an order and indexes it for customer history.
	SaveOrder(ctx context.Context, order *Order) error

	// RecentOrders returns up to n most recent completed orders for a
	// customer at a restaurant, newest first.
	RecentOrders(ctx context.Context, restaurantID, phone string, n int) ([]*Order, error)

	// SaveRestaurant persists restaurant data.
	SaveRestaurant(ctx context.Context, r *Restaurant) error

	// GetRestaurant retrieves restaurant data.
	// Returns ErrNotFound when the restaurant is unknown.
	GetRestaurant(ctx context.Context, restaurantID string) (*Restaurant, error)

	// SaveAgentConfig persists an agent configuration.
	SaveAgentConfig(ctx context.Context, cfg *AgentConfig) error

	// GetAgentConfig retrieves the agent configuration for a restaurant.
	// Returns ErrNotFound when none is stored.
	GetAgentConfig(ctx context.Context, restaurantID string) (*AgentConfig, error)

	// SaveSummary persists a session summary.
	SaveSummary(ctx context.Context, summary *SessionSummary) error

	// LatestSummary returns the most recent summary for a session.
	// Returns ErrNotFound when the session has none.
	LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error)

	// Close releases any resources held by the store.
	Close() error
}
