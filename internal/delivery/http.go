package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPGateway delivers messages to a generic JSON messaging endpoint.
// It accepts {"recipient": ..., "text": ...} and answers with an HTTP
// status the retry policy interprets.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
	token    string
}

// NewHTTPGateway creates a gateway posting to the given endpoint.
// client may be nil, defaulting to http.DefaultClient.
func NewHTTPGateway(endpoint, token string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{endpoint: endpoint, client: client, token: token}
}

type outboundPayload struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// Send posts the message and returns the gateway's status code.
func (g *HTTPGateway) Send(ctx context.Context, recipient, text string) (int, error) {
	body, err := json.Marshal(outboundPayload{Recipient: recipient, Text: text})
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("gateway responded %s", resp.Status)
	}
	return resp.StatusCode, nil
}
