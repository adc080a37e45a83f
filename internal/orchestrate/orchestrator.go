// Package orchestrate routes each batched inbound message to one of the
// specialized capability roles, using an external reasoning service for
// classification with a deterministic guard on top.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// Agent is one of the capability roles a message can be routed to.
type Agent string

const (
	AgentMenu     Agent = "MENU"
	AgentSales    Agent = "SALES"
	AgentCheckout Agent = "CHECKOUT"
	AgentSupport  Agent = "SUPPORT"
)

// DefaultTimeout bounds the reasoning-service call.
const DefaultTimeout = 10 * time.Second

// Summary condenses the session for the classification prompt.
type Summary struct {
	HasItems       bool
	ItemCount      int
	CartTotal      float64
	State          string
	RestaurantName string
}

// Decision is the orchestrator's routing result.
type Decision struct {
	Agent     Agent  `json:"agent"`
	Reasoning string `json:"reasoning"`
}

// ChatClient is the reasoning-service surface, satisfied by *openai.Client.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Orchestrator classifies messages into capability roles.
type Orchestrator struct {
	client  ChatClient
	model   string
	timeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout overrides the reasoning-service timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// New creates an Orchestrator over the given reasoning-service client.
func New(client ChatClient, model string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:  client,
		model:   model,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

const systemPrompt = `You are the routing brain of a restaurant ordering assistant.
Classify the customer's message into exactly one capability:

- MENU: questions about the menu, dishes, prices, availability, opening hours.
  Examples: "o que vocês têm?", "quanto custa a pizza grande?"
- SALES: building or changing the cart, recommendations, upsell responses.
  Examples: "quero duas calabresas", "tira o refrigerante"
- CHECKOUT: closing the order: delivery type, address, payment, confirmation.
  Examples: "como pago?", "pode entregar na rua X", "confirmo"
- SUPPORT: complaints, order status of a placed order, human help.
  Examples: "meu pedido atrasou", "quero falar com alguém"

Hard rule: if the cart is empty you must NOT choose CHECKOUT.

Respond with JSON only: {"agent": "<MENU|SALES|CHECKOUT|SUPPORT>", "reasoning": "<short reason>"}`

// Decide classifies a user message given the conversation summary.
// Any transport error, timeout or malformed response falls back to MENU;
// the empty-cart rule is additionally enforced on the returned decision.
func (o *Orchestrator) Decide(ctx context.Context, userMessage string, summary Summary) Decision {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(userMessage, summary)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := o.client.CreateChatCompletion(cctx, req)
	if err != nil {
		return o.fallback("reasoning service error")
	}
	if len(resp.Choices) == 0 {
		return o.fallback("empty response")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &decision); err != nil {
		return o.fallback("malformed response")
	}

	decision.Agent = Agent(strings.ToUpper(strings.TrimSpace(string(decision.Agent))))
	switch decision.Agent {
	case AgentMenu, AgentSales, AgentCheckout, AgentSupport:
	default:
		return o.fallback("unknown agent")
	}

	// A probabilistic classifier is not a reliable sole enforcement point
	// for the empty-cart rule; enforce it again here.
	if decision.Agent == AgentCheckout && !summary.HasItems {
		log.Printf("[ORCHESTRATOR] downgrading CHECKOUT to SALES: cart is empty")
		decision.Agent = AgentSales
		decision.Reasoning = "empty cart cannot check out - downgraded to SALES"
	}

	observability.RecordDecision(string(decision.Agent), false)
	return decision
}

func (o *Orchestrator) fallback(cause string) Decision {
	log.Printf("[ORCHESTRATOR] %s - default to MENU", cause)
	observability.RecordDecision(string(AgentMenu), true)
	return Decision{
		Agent:     AgentMenu,
		Reasoning: fmt.Sprintf("%s - default to MENU", cause),
	}
}

func buildUserPrompt(userMessage string, summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Restaurant: %s\n", summary.RestaurantName)
	fmt.Fprintf(&b, "Conversation state: %s\n", summary.State)
	if summary.HasItems {
		fmt.Fprintf(&b, "Cart: %d item(s), total R$ %.2f\n", summary.ItemCount, summary.CartTotal)
	} else {
		b.WriteString("Cart: empty\n")
	}
	fmt.Fprintf(&b, "\nCustomer message:\n%s", userMessage)
	return b.String()
}
