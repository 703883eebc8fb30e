// Package messaging delivers rendered outreach steps over email, WhatsApp and SMS.
//
// Each channel is served by a Sender; a Router picks the sender for a
// message's channel. Providers are injected, never global.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ErrInvalidRecipient is returned when an address cannot be used on its channel.
var ErrInvalidRecipient = errors.New("invalid recipient")

// OutboundMessage is one rendered step ready for delivery.
type OutboundMessage struct {
	Channel models.Channel
	To      string
	Subject string // EMAIL only
	Body    string
}

// SendResult identifies the message at the provider.
type SendResult struct {
	Provider  string
	MessageID string
}

// Sender delivers a message on one or more channels.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg OutboundMessage) (SendResult, error)

func (f SenderFunc) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	return f(ctx, msg)
}

// sendError wraps a provider failure so callers can match models.ErrSend.
func sendError(provider string, msg OutboundMessage, err error) error {
	if errors.Is(err, models.ErrSend) {
		return err
	}
	return fmt.Errorf("%w: %s %s to %s: %w", models.ErrSend, provider, msg.Channel, msg.To, err)
}
