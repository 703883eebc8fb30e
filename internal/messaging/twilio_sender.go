package messaging

import (
	"context"
	"fmt"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/twilio"
)

// ProviderTwilio names Twilio in message records.
const ProviderTwilio = "twilio"

// TwilioSender delivers SMS and WhatsApp messages through Twilio.
type TwilioSender struct {
	client twilio.Sender
}

// NewTwilioSender wraps a Twilio client (real or mock).
func NewTwilioSender(client twilio.Sender) *TwilioSender {
	return &TwilioSender{client: client}
}

func (s *TwilioSender) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	to, err := E164(msg.To)
	if err != nil {
		return SendResult{}, err
	}
	var sid string
	switch msg.Channel {
	case models.ChannelSMS:
		sid, err = s.client.SendSMS(ctx, to, msg.Body)
	case models.ChannelWhatsApp:
		sid, err = s.client.SendWhatsApp(ctx, to, msg.Body)
	default:
		return SendResult{}, fmt.Errorf("twilio cannot deliver channel %s", msg.Channel)
	}
	if err != nil {
		return SendResult{}, sendError(ProviderTwilio, msg, err)
	}
	return SendResult{Provider: ProviderTwilio, MessageID: sid}, nil
}
