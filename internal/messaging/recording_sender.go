package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ProviderDryRun names the recording sender in message records.
const ProviderDryRun = "dry-run"

// RecordingSender accepts every message and keeps it in memory. It backs the
// dry-run mode and tests.
type RecordingSender struct {
	mu   sync.Mutex
	sent []OutboundMessage
	// FailChannels makes Send fail for the listed channels.
	FailChannels map[models.Channel]error
	// OnSend, when set, runs before a message is recorded.
	OnSend func(msg OutboundMessage)
}

func NewRecordingSender() *RecordingSender {
	return &RecordingSender{FailChannels: make(map[models.Channel]error)}
}

func (s *RecordingSender) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if s.OnSend != nil {
		s.OnSend(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailChannels[msg.Channel]; ok {
		return SendResult{}, sendError(ProviderDryRun, msg, err)
	}
	s.sent = append(s.sent, msg)
	slog.Info("RecordingSender.Send", "channel", msg.Channel, "to", msg.To, "body_length", len(msg.Body))
	return SendResult{Provider: ProviderDryRun, MessageID: fmt.Sprintf("dry-%d", len(s.sent))}, nil
}

// Sent returns a copy of the recorded messages in send order.
func (s *RecordingSender) Sent() []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
