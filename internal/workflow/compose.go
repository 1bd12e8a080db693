package workflow

import (
	"fmt"
	"strings"
)

// DefaultSubjectPrefix is prepended to reply subjects.
const DefaultSubjectPrefix = "Re: "

// FallbackText is the fixed notice sent when no timely decision arrives.
func FallbackText(msg Message) string {
	return fmt.Sprintf(`Dear %s,

Thank you for your email regarding "%s".

We have received your message and are currently processing your request. Our team will review your inquiry and respond as soon as possible.

We appreciate your patience and look forward to assisting you.

Best regards,
Customer Service Team
`, senderName(msg.Sender), msg.Subject)
}

// ComposeDelivery builds the outbound message for rec. A leading "Subject:"
// line in text overrides the derived subject.
func ComposeDelivery(rec *Record, kind DeliveryKind, text, prefix string) Delivery {
	subject, body := splitSubject(text)
	if subject == "" {
		subject = replySubject(rec.Message.Subject, prefix)
	}
	return Delivery{
		Key:       DeliveryKey(rec.MessageID, kind),
		Kind:      kind,
		To:        rec.Message.Sender,
		Subject:   subject,
		Body:      body,
		InReplyTo: rec.MessageID,
	}
}

// DeliveryKey is stable for a given record and kind.
func DeliveryKey(messageID string, kind DeliveryKind) string {
	return messageID + "/" + string(kind)
}

func replySubject(subject, prefix string) string {
	if prefix == "" {
		return subject
	}
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func splitSubject(text string) (subject, body string) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, "Subject:") {
		return "", text
	}
	line, rest, _ := strings.Cut(trimmed, "\n")
	subject = strings.TrimSpace(strings.TrimPrefix(line, "Subject:"))
	return subject, strings.TrimLeft(rest, "\r\n")
}

func senderName(sender string) string {
	addr := sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	local, _, _ := strings.Cut(addr, "@")
	if local == "" {
		return "Customer"
	}
	return local
}
