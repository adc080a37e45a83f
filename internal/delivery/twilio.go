package delivery

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioGateway delivers WhatsApp messages through the Twilio REST API.
type TwilioGateway struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioGateway creates a Twilio-backed gateway.
// from must be in "whatsapp:+NNN" form.
func NewTwilioGateway(accountSID, authToken, from string) (*TwilioGateway, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, errors.New("missing twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioGateway{client: client, from: from}, nil
}

// Send sends a WhatsApp message. Twilio API rejections surface their HTTP
// status so the retry policy can distinguish transient from permanent
// failures; transport errors return status 0.
func (g *TwilioGateway) Send(_ context.Context, recipient, text string) (int, error) {
	if !strings.HasPrefix(recipient, "whatsapp:") {
		recipient = "whatsapp:" + recipient
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(g.from)
	params.SetTo(recipient)
	params.SetBody(text)

	_, err := g.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return restErr.Status, err
		}
		return 0, err
	}
	return 200, nil
}
