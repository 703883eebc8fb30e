package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Router sends each message through the sender registered for its channel.
type Router struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithChannel registers sender for channel, replacing any earlier one.
func WithChannel(channel models.Channel, sender Sender) RouterOption {
	return func(r *Router) { r.senders[channel] = sender }
}

// NewRouter creates a Router with the given channel senders.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{senders: make(map[models.Channel]Sender)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the sender for a channel.
func (r *Router) Register(channel models.Channel, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
	slog.Debug("Router.Register", "channel", channel)
}

// Channels lists the channels that have a sender.
func (r *Router) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.senders))
	for _, c := range []models.Channel{models.ChannelEmail, models.ChannelWhatsApp, models.ChannelSMS} {
		if _, ok := r.senders[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Send delivers msg through its channel's sender. Every failure wraps models.ErrSend.
func (r *Router) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	r.mu.RLock()
	sender, ok := r.senders[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return SendResult{}, fmt.Errorf("%w: no sender configured for channel %s", models.ErrSend, msg.Channel)
	}
	res, err := sender.Send(ctx, msg)
	if err != nil {
		slog.Warn("Router.Send: delivery failed", "channel", msg.Channel, "error", err)
		return SendResult{}, sendError("router", msg, err)
	}
	slog.Debug("Router.Send: delivered", "channel", msg.Channel, "provider", res.Provider, "messageID", res.MessageID)
	return res, nil
}
