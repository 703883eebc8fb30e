package messaging

import (
	"context"

	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
)

// ProviderWhatsmeow names the direct WhatsApp Web connection in message records.
const ProviderWhatsmeow = "whatsmeow"

// WhatsAppSender delivers WhatsApp messages over a logged-in whatsmeow device.
type WhatsAppSender struct {
	client whatsapp.WhatsAppSender
}

// NewWhatsAppSender wraps a whatsapp client (real or mock).
func NewWhatsAppSender(client whatsapp.WhatsAppSender) *WhatsAppSender {
	return &WhatsAppSender{client: client}
}

func (s *WhatsAppSender) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	to, err := CanonicalizePhone(msg.To)
	if err != nil {
		return SendResult{}, err
	}
	id, err := s.client.SendMessage(ctx, to, msg.Body)
	if err != nil {
		return SendResult{}, sendError(ProviderWhatsmeow, msg, err)
	}
	return SendResult{Provider: ProviderWhatsmeow, MessageID: id}, nil
}
