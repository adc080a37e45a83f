// Package conversation implements the non-linear conversation state machine.
// The next state is a function of what is already known about the order, not
// strictly of which step came before, so customers who volunteer information
// out of script order are never forced back through intermediate steps.
package conversation

import (
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
)

// State is one conversation state.
type State string

const (
	StateGreeting     State = "greeting"
	StateDiscovery    State = "discovery"
	StateProduct      State = "product"
	StateUpsell       State = "upsell"
	StateLogistics    State = "logistics"
	StateAddress      State = "address"
	StatePayment      State = "payment"
	StateConfirmation State = "confirmation"
	StateConfirm      State = "confirm"
	StateFinalized    State = "finalized"
)

// Delivery type values recorded in session metadata.
const (
	DeliveryTypeDelivery = "delivery"
	DeliveryTypePickup   = "pickup"
)

// Criteria holds the completion facts derived from session metadata.
type Criteria struct {
	HasProducts      bool
	HasDeliveryType  bool
	NeedsAddress     bool
	HasAddress       bool
	HasPaymentMethod bool
}

// AllMet reports whether every order requirement is satisfied.
func (c Criteria) AllMet() bool {
	if !c.HasProducts || !c.HasDeliveryType || !c.HasPaymentMethod {
		return false
	}
	if c.NeedsAddress && !c.HasAddress {
		return false
	}
	return true
}

// ComputeCriteria derives completion criteria from the current metadata
// snapshot. It must be called fresh on every turn.
func ComputeCriteria(meta *store.Metadata) Criteria {
	return Criteria{
		HasProducts:      len(meta.Items) > 0,
		HasDeliveryType:  meta.DeliveryType != "",
		NeedsAddress:     meta.DeliveryType == DeliveryTypeDelivery,
		HasAddress:       meta.AddressValidated || meta.Address != "",
		HasPaymentMethod: meta.PaymentMethod != "",
	}
}

// NextState computes the next conversation state. It is a pure function of
// the current state, the completion criteria and the user's message.
//
// Once every requirement is met the machine jumps straight to confirm from
// any state. The finalized state is terminal and self-loops.
func NextState(current State, criteria Criteria, userMessage string, affirm AffirmationClassifier) State {
	if current == StateFinalized {
		return StateFinalized
	}

	if criteria.AllMet() && current != StateConfirm && current != StateConfirmation {
		return StateConfirm
	}

	switch current {
	case StateGreeting:
		return StateDiscovery

	case StateDiscovery:
		if criteria.HasProducts {
			return StateProduct
		}
		return StateDiscovery

	case StateProduct, StateUpsell, StateLogistics:
		return afterCart(criteria)

	case StateAddress:
		if criteria.HasAddress || !criteria.NeedsAddress {
			if criteria.HasPaymentMethod {
				return StateConfirm
			}
			return StatePayment
		}
		return StateAddress

	case StatePayment:
		if criteria.HasPaymentMethod {
			return StateConfirm
		}
		return StatePayment

	case StateConfirm, StateConfirmation:
		if criteria.AllMet() && affirm != nil && affirm.IsAffirmation(userMessage) {
			return StateFinalized
		}
		return StateConfirm

	default:
		return StateDiscovery
	}
}

// afterCart decides where to go once the cart stage is done. Pickup orders
// bypass address collection entirely.
func afterCart(criteria Criteria) State {
	if !criteria.HasDeliveryType {
		return StateLogistics
	}

	if criteria.NeedsAddress && !criteria.HasAddress {
		return StateAddress
	}

	if criteria.HasPaymentMethod {
		return StateConfirm
	}
	return StatePayment
}

// AllStates lists every state in flow order, used by sweeps and tests.
func AllStates() []State {
	return []State{
		StateGreeting, StateDiscovery, StateProduct, StateUpsell,
		StateLogistics, StateAddress, StatePayment, StateConfirmation,
		StateConfirm, StateFinalized,
	}
}
