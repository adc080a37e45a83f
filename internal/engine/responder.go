package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/enrich"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/orchestrate"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
)

// responderTimeout bounds one reply generation.
const responderTimeout = 30 * time.Second

// ReplyRequest carries everything a capability needs to answer one batch.
type ReplyRequest struct {
	Session  *store.Session
	Message  string
	Decision orchestrate.Decision
	Context  *enrich.Context
}

// Responder turns a routed batch into the outbound reply text.
type Responder interface {
	Respond(ctx context.Context, req ReplyRequest) (string, error)
}

// roleBriefs describe each capability to the completion model.
var roleBriefs = map[orchestrate.Agent]string{
	orchestrate.AgentMenu:     "Apresente o cardápio e responda perguntas sobre pratos, preços e opções. Sugira itens populares quando o cliente estiver indeciso.",
	orchestrate.AgentSales:    "Ajude o cliente a montar o pedido: adicione itens, sugira acompanhamentos e confirme quantidades.",
	orchestrate.AgentCheckout: "Conduza o fechamento do pedido: confirme itens, tipo de entrega, endereço e forma de pagamento, nessa ordem, um passo por vez.",
	orchestrate.AgentSupport:  "Resolva dúvidas sobre pedidos existentes, horários, entrega e problemas. Seja objetivo e prestativo.",
}

// OpenAIResponder generates replies with a chat-completion model, primed
// with the routed capability, the agent configuration and the enrichment
// context.
type OpenAIResponder struct {
	client  orchestrate.ChatClient
	model   string
	timeout time.Duration
}

// NewOpenAIResponder creates a responder backed by a chat-completion
// client.
func NewOpenAIResponder(client orchestrate.ChatClient, model string) *OpenAIResponder {
	return &OpenAIResponder{client: client, model: model, timeout: responderTimeout}
}

func (r *OpenAIResponder) Respond(ctx context.Context, req ReplyRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Message},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("reply generation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("reply generation: empty response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("reply generation: blank reply")
	}
	return reply, nil
}

func (r *OpenAIResponder) systemPrompt(req ReplyRequest) string {
	var b strings.Builder

	b.WriteString("Você é o atendente virtual")
	if name := req.Context.Restaurant.Name; name != "" {
		fmt.Fprintf(&b, " do restaurante %s", name)
	}
	b.WriteString(", conversando com um cliente pelo WhatsApp. Responda em português, em mensagens curtas.\n\n")

	if brief, ok := roleBriefs[req.Decision.Agent]; ok {
		b.WriteString("Seu papel nesta mensagem: ")
		b.WriteString(brief)
		b.WriteString("\n\n")
	}

	if p := req.Context.Agent.Personality; p != "" {
		fmt.Fprintf(&b, "Personalidade: %s\n", p)
	}
	if inst := req.Context.Agent.Instructions; inst != "" {
		fmt.Fprintf(&b, "Instruções do restaurante: %s\n", inst)
	}
	if !req.Context.Agent.OrderCreationEnabled {
		b.WriteString("Este restaurante não aceita pedidos pelo chat; oriente o cliente a pedir pelos canais do restaurante.\n")
	}

	r.writeRestaurantStatus(&b, req)
	r.writeCart(&b, req)
	r.writeHistory(&b, req)

	if s := req.Context.PriorSummary; s != nil {
		fmt.Fprintf(&b, "\nContexto de uma conversa anterior: %s\n", s.Narrative)
	}
	return b.String()
}

func (r *OpenAIResponder) writeRestaurantStatus(b *strings.Builder, req ReplyRequest) {
	st := req.Context.Restaurant
	if st.Open {
		if st.PrepEstimateMin > 0 {
			fmt.Fprintf(b, "O restaurante está aberto; estimativa de preparo e entrega: %d minutos.\n", st.PrepEstimateMin)
		}
		return
	}
	b.WriteString("O restaurante está fechado agora")
	if st.NextOpening != "" {
		fmt.Fprintf(b, "; reabre %s", st.NextOpening)
	}
	b.WriteString(". Informe o cliente antes de qualquer outra coisa.\n")
}

func (r *OpenAIResponder) writeCart(b *strings.Builder, req ReplyRequest) {
	meta := req.Session.Metadata
	if len(meta.Items) == 0 {
		b.WriteString("\nCarrinho atual: vazio.\n")
		return
	}
	b.WriteString("\nCarrinho atual:\n")
	for _, it := range meta.Items {
		fmt.Fprintf(b, "- %dx %s (R$ %.2f cada)\n", it.Quantity, it.Name, it.UnitPrice)
	}
	fmt.Fprintf(b, "Total: R$ %.2f\n", meta.CartTotal())
	if meta.DeliveryType != "" {
		fmt.Fprintf(b, "Entrega: %s\n", meta.DeliveryType)
	}
	if meta.Address != "" {
		fmt.Fprintf(b, "Endereço: %s\n", meta.Address)
	}
	if meta.PaymentMethod != "" {
		fmt.Fprintf(b, "Pagamento: %s\n", meta.PaymentMethod)
	}
}

func (r *OpenAIResponder) writeHistory(b *strings.Builder, req ReplyRequest) {
	h := req.Context.History
	if h.TotalOrders == 0 {
		return
	}
	fmt.Fprintf(b, "\nCliente recorrente (%d pedidos recentes).", h.TotalOrders)
	if len(h.Favorites) > 0 {
		names := make([]string, 0, len(h.Favorites))
		for _, f := range h.Favorites {
			names = append(names, f.Name)
		}
		fmt.Fprintf(b, " Costuma pedir: %s.", strings.Join(names, ", "))
	}
	if h.LastPayment != "" {
		fmt.Fprintf(b, " Último pagamento: %s.", h.LastPayment)
	}
	b.WriteString("\n")
}
