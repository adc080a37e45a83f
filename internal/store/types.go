// Package store provides typed persistence for conversational ordering
// sessions and the records the conversation core reads: restaurants, agent
// configurations, orders and session summaries.
package store

import (
	"time"
)

// Status is the primary session status.
type Status string

const (
	// StatusActive marks a session with an ongoing conversation.
	StatusActive Status = "active"
	// StatusArchived marks a session whose order completed.
	StatusArchived Status = "archived"
	// StatusExpired marks a session closed by the idle-expiry sweep.
	StatusExpired Status = "expired"
)

// LifecycleStatus is the secondary lifecycle tag carried alongside Status.
type LifecycleStatus string

const (
	LifecycleActive    LifecycleStatus = "active"
	LifecycleExpired   LifecycleStatus = "expired"
	LifecycleCompleted LifecycleStatus = "completed"
)

// OrderItem is a single cart line.
type OrderItem struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// PendingMessage is an inbound message waiting in the debounce queue.
type PendingMessage struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Metadata is the typed session state accumulated across the conversation.
// It is the sole source of truth for completion criteria.
type Metadata struct {
	Items            []OrderItem      `json:"items,omitempty"`
	DeliveryType     string           `json:"deliveryType,omitempty"`
	Address          string           `json:"address,omitempty"`
	AddressValidated bool             `json:"addressValidated,omitempty"`
	PaymentMethod    string           `json:"paymentMethod,omitempty"`
	PendingMessages  []PendingMessage `json:"pendingMessages,omitempty"`
	DebounceActive   bool             `json:"debounceActive,omitempty"`
	ReopenedCount    int              `json:"reopenedCount,omitempty"`
	SummaryID        string           `json:"summaryId,omitempty"`
}

// CartTotal returns the sum of item prices in the cart.
func (m *Metadata) CartTotal() float64 {
	var total float64
	for _, it := range m.Items {
		total += it.UnitPrice * float64(it.Quantity)
	}
	return total
}

// HasOrderData reports whether any order information has been collected.
// Sessions with order data get a summary persisted before expiry.
func (m *Metadata) HasOrderData() bool {
	return len(m.Items) > 0 || m.DeliveryType != "" || m.PaymentMethod != ""
}

// Session identifies one customer conversation and its accumulated state.
type Session struct {
	ID                string          `json:"id"`
	CustomerPhone     string          `json:"customerPhone"`
	RestaurantID      string          `json:"restaurantId"`
	Status            Status          `json:"status"`
	SessionStatus     LifecycleStatus `json:"sessionStatus"`
	ConversationState string          `json:"conversationState"`
	Metadata          Metadata        `json:"metadata"`

	// Version guards concurrent read-modify-write cycles. UpdateSession
	// only writes when the stored version matches and bumps it on success.
	Version int64 `json:"version"`

	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
	ReopenedAt    *time.Time `json:"reopenedAt,omitempty"`
}

// Order is a placed order referenced back into a session by status events.
type Order struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	CustomerPhone string      `json:"customerPhone"`
	RestaurantID  string      `json:"restaurantId"`
	Status        string      `json:"status"`
	Items         []OrderItem `json:"items"`
	Total         float64     `json:"total"`
	DeliveryType  string      `json:"deliveryType,omitempty"`
	Address       string      `json:"address,omitempty"`
	PaymentMethod string      `json:"paymentMethod,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// AgentConfig is the read-only agent personality and feature configuration.
type AgentConfig struct {
	RestaurantID             string `json:"restaurantId"`
	Personality              string `json:"personality"`
	Instructions             string `json:"instructions"`
	OrderCreationEnabled     bool   `json:"orderCreationEnabled"`
	ProductSearchEnabled     bool   `json:"productSearchEnabled"`
	AutoNotificationsEnabled bool   `json:"autoNotificationsEnabled"`
	ConfirmationRequired     bool   `json:"confirmationRequired"`
}

// DefaultAgentConfig returns the permissive defaults used when no
// configuration is stored for a restaurant.
func DefaultAgentConfig(restaurantID string) *AgentConfig {
	return &AgentConfig{
		RestaurantID:             restaurantID,
		OrderCreationEnabled:     true,
		ProductSearchEnabled:     true,
		AutoNotificationsEnabled: true,
		ConfirmationRequired:     true,
	}
}

// DaySchedule holds opening hours for one weekday as HH:MM strings.
type DaySchedule struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed,omitempty"`
}

// Restaurant is the read side the enricher consults for operating status.
type Restaurant struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	Schedule            map[string]*DaySchedule `json:"schedule"` // keyed by lowercase weekday name
	PrepTimeMinutes     int                     `json:"prepTimeMinutes"`
	DeliveryTimeMinutes int                     `json:"deliveryTimeMinutes"`
	DeliveryZones       []string                `json:"deliveryZones,omitempty"`
}

// SessionSummary is a snapshot persisted when a session expires with
// unfinished business, so a reopened conversation can reference it.
type SessionSummary struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	Items         []OrderItem `json:"items,omitempty"`
	Total         float64     `json:"total"`
	DeliveryType  string      `json:"deliveryType,omitempty"`
	PaymentMethod string      `json:"paymentMethod,omitempty"`
	Narrative     string      `json:"narrative"`
	CreatedAt     time.Time   `json:"createdAt"`
}
