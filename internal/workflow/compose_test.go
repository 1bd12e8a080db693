package workflow

import (
	"strings"
	"testing"
	"time"
)

func TestComposeDelivery(t *testing.T) {
	t.Parallel()

	rec := NewRecord(Message{ID: "<abc@mail>", Sender: "carol@example.com", Subject: "Refund"}, time.Now())

	tests := []struct {
		name        string
		text        string
		subject     string
		wantSubject string
		wantBody    string
	}{
		{"plain", "Hello", "Refund", "Re: Refund", "Hello"},
		{"already prefixed", "Hello", "RE: Refund", "RE: Refund", "Hello"},
		{"subject line override", "Subject: Your refund\n\nHello", "Refund", "Your refund", "Hello"},
		{"leading whitespace before subject", "\n Subject: X\nbody", "Refund", "X", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := rec.Clone()
			r.Message.Subject = tt.subject
			d := ComposeDelivery(r, DeliveryReply, tt.text, DefaultSubjectPrefix)
			if d.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", d.Subject, tt.wantSubject)
			}
			if d.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", d.Body, tt.wantBody)
			}
			if d.To != "carol@example.com" || d.InReplyTo != "<abc@mail>" {
				t.Errorf("addressing = %q / %q", d.To, d.InReplyTo)
			}
			if d.Key != "<abc@mail>/reply" {
				t.Errorf("key = %q", d.Key)
			}
		})
	}
}

func TestDeliveryKey_DistinctPerKind(t *testing.T) {
	t.Parallel()

	if DeliveryKey("m", DeliveryReply) == DeliveryKey("m", DeliveryFallback) {
		t.Error("reply and fallback share a key")
	}
}

func TestFallbackText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sender string
		want   string
	}{
		{"dave@example.com", "Dear dave,"},
		{"Dave <dave@example.com>", "Dear dave,"},
		{"", "Dear Customer,"},
	}
	for _, tt := range tests {
		got := FallbackText(Message{Sender: tt.sender, Subject: "Help"})
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("FallbackText(%q) starts %q, want %q", tt.sender, got[:20], tt.want)
		}
		if !strings.Contains(got, `regarding "Help"`) {
			t.Errorf("FallbackText(%q) missing subject", tt.sender)
		}
	}
}
