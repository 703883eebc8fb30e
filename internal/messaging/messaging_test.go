package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/twilio"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
	"gopkg.in/gomail.v2"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"e164", "+1 (555) 010-0100", "15550100100", false},
		{"plain digits", "15550100", "15550100", false},
		{"empty", "  ", "", true},
		{"no digits", "abc", "", true},
		{"too short", "+123", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizePhone(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecipient) {
					t.Errorf("expected ErrInvalidRecipient, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("CanonicalizePhone(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestCanonicalizeEmail(t *testing.T) {
	if got, err := CanonicalizeEmail(" ada@example.com "); err != nil || got != "ada@example.com" {
		t.Errorf("unexpected result %q, %v", got, err)
	}
	for _, bad := range []string{"", "not-an-email", "ada@"} {
		if _, err := CanonicalizeEmail(bad); !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("CanonicalizeEmail(%q) expected ErrInvalidRecipient, got %v", bad, err)
		}
	}
}

func TestRouterRoutesByChannel(t *testing.T) {
	email := NewRecordingSender()
	sms := NewRecordingSender()
	r := NewRouter(WithChannel(models.ChannelEmail, email), WithChannel(models.ChannelSMS, sms))

	if _, err := r.Send(context.Background(), OutboundMessage{Channel: models.ChannelEmail, To: "ada@example.com", Subject: "Hi", Body: "x"}); err != nil {
		t.Fatalf("email send failed: %v", err)
	}
	if _, err := r.Send(context.Background(), OutboundMessage{Channel: models.ChannelSMS, To: "+15550100", Body: "y"}); err != nil {
		t.Fatalf("sms send failed: %v", err)
	}
	if len(email.Sent()) != 1 || len(sms.Sent()) != 1 {
		t.Errorf("expected one message per channel, got email=%d sms=%d", len(email.Sent()), len(sms.Sent()))
	}

	_, err := r.Send(context.Background(), OutboundMessage{Channel: models.ChannelWhatsApp, To: "+15550100", Body: "z"})
	if !errors.Is(err, models.ErrSend) {
		t.Errorf("expected ErrSend for unconfigured channel, got %v", err)
	}

	got := r.Channels()
	if len(got) != 2 || got[0] != models.ChannelEmail || got[1] != models.ChannelSMS {
		t.Errorf("unexpected channels %v", got)
	}
}

func TestRouterWrapsProviderErrors(t *testing.T) {
	rec := NewRecordingSender()
	rec.FailChannels[models.ChannelSMS] = errors.New("carrier rejected")
	r := NewRouter(WithChannel(models.ChannelSMS, rec))

	_, err := r.Send(context.Background(), OutboundMessage{Channel: models.ChannelSMS, To: "+15550100", Body: "x"})
	if !errors.Is(err, models.ErrSend) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
	if !strings.Contains(err.Error(), "carrier rejected") {
		t.Errorf("expected provider error in message, got %v", err)
	}
}

func TestTwilioSender(t *testing.T) {
	mock := twilio.NewMockClient()
	s := NewTwilioSender(mock)

	res, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelSMS, To: "(555) 010-0100", Body: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Provider != ProviderTwilio || res.MessageID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelWhatsApp, To: "+15550100", Body: "hola"}); err != nil {
		t.Fatalf("WhatsApp send failed: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 2 || sent[0].To != "+5550100100" || sent[0].WhatsApp || !sent[1].WhatsApp {
		t.Errorf("unexpected sent messages %+v", sent)
	}

	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelEmail, To: "a@b.co", Body: "x"}); err == nil {
		t.Error("expected error for EMAIL through Twilio")
	}
	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelSMS, To: "12", Body: "x"}); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestWhatsAppSender(t *testing.T) {
	mock := whatsapp.NewMockClient()
	s := NewWhatsAppSender(mock)
	res, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelWhatsApp, To: "+1 555 010 0100", Body: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Provider != ProviderWhatsmeow || res.MessageID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].To != "15550100100" {
		t.Errorf("expected canonical digits, got %+v", mock.Sent)
	}

	mock.Err = errors.New("not logged in")
	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelWhatsApp, To: "15550100100", Body: "hi"}); !errors.Is(err, models.ErrSend) {
		t.Errorf("expected ErrSend, got %v", err)
	}
}

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

func TestSMTPSender(t *testing.T) {
	d := &fakeDialer{}
	s := newSMTPSenderWithDialer(d, "outreach@example.com", "Outreach Team")

	res, err := s.Send(context.Background(), OutboundMessage{
		Channel: models.ChannelEmail, To: "ada@example.com", Subject: "Welcome", Body: "Hi Ada",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Provider != ProviderSMTP || !strings.HasSuffix(res.MessageID, "@example.com>") {
		t.Errorf("unexpected result %+v", res)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d.sent))
	}
	m := d.sent[0]
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "Welcome" {
		t.Errorf("unexpected subject %v", got)
	}
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "ada@example.com" {
		t.Errorf("unexpected to %v", got)
	}

	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelEmail, To: "nope", Body: "x"}); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
	d.err = errors.New("535 authentication failed")
	if _, err := s.Send(context.Background(), OutboundMessage{Channel: models.ChannelEmail, To: "ada@example.com", Body: "x"}); !errors.Is(err, models.ErrSend) {
		t.Errorf("expected ErrSend, got %v", err)
	}
}

func TestNewSMTPSenderValidation(t *testing.T) {
	if _, err := NewSMTPSender(WithSMTPFrom("outreach@example.com", "")); err == nil {
		t.Error("expected error without host")
	}
	if _, err := NewSMTPSender(WithSMTPServer("smtp.example.com", 587), WithSMTPFrom("bad", "")); err == nil {
		t.Error("expected error for invalid from address")
	}
	if _, err := NewSMTPSender(WithSMTPServer("smtp.example.com", 465), WithSMTPFrom("outreach@example.com", ""), WithSMTPEncryption("SSL")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
