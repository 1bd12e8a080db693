// Package smtpsink delivers replies through an SMTP relay. It implements
// workflow.Sink.
package smtpsink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

// Config describes the outbound relay.
type Config struct {
	Addr     string
	Username string
	Password string
	From     string
	HeloName string
	Timeout  time.Duration

	// StartTLS upgrades the relay connection before HELO and AUTH. A relay
	// that does not offer it fails the delivery.
	StartTLS  bool
	TLSConfig *tls.Config
}

// Ledger remembers which delivery keys reached the relay, so a retried or
// resumed send is not repeated.
type Ledger interface {
	Delivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, key string) error
}

// Sink sends workflow deliveries as plain-text mail.
type Sink struct {
	cfg    Config
	ledger Ledger
	logger log.Logger
	now    func() time.Time
}

// New returns a Sink. A nil ledger gets an in-memory one.
func New(cfg Config, ledger Ledger, logger log.Logger) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("smtpsink: relay address required")
	}
	if _, err := mailAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtpsink: from: %w", err)
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{cfg: cfg, ledger: ledger, logger: logger, now: time.Now}, nil
}

// Deliver implements workflow.Sink. A key already in the ledger is treated
// as sent. A ledger write failure after a successful send is logged only.
func (s *Sink) Deliver(ctx context.Context, d workflow.Delivery) error {
	L := s.logger.With("delivery_key", d.Key, "kind", d.Kind)

	done, err := s.ledger.Delivered(ctx, d.Key)
	if err != nil {
		return fmt.Errorf("smtpsink: ledger lookup: %w", err)
	}
	if done {
		L.Info(ctx, "delivery already sent, skipping")
		return nil
	}

	to, err := mailAddress(d.To)
	if err != nil {
		return fmt.Errorf("smtpsink: recipient: %w", err)
	}
	from, _ := mailAddress(s.cfg.From)

	msg, err := s.render(d)
	if err != nil {
		return fmt.Errorf("smtpsink: render: %w", err)
	}
	if err := s.send(ctx, from, to, msg); err != nil {
		return err
	}

	if err := s.ledger.MarkDelivered(ctx, d.Key); err != nil {
		L.Warn(ctx, "delivery sent but ledger write failed", "err", err)
	}
	L.Info(ctx, "delivery sent", "to", to, "bytes", len(msg))
	return nil
}

func (s *Sink) send(ctx context.Context, from, to string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtpsink: dial %s: %w", s.cfg.Addr, err)
	}

	var c *gosmtp.Client
	if s.cfg.StartTLS {
		// the pre-TLS greeting uses the library's default name; HELO is sent
		// again below over the encrypted session
		c, err = gosmtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("smtpsink: starttls: %w", err)
		}
	} else {
		c = gosmtp.NewClient(conn)
	}
	defer func() { _ = c.Close() }()
	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout

	if err := c.Hello(s.cfg.HeloName); err != nil {
		return fmt.Errorf("smtpsink: hello: %w", err)
	}
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("smtpsink: auth: %w", err)
		}
	}
	if err := c.SendMail(from, []string{to}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtpsink: send: %w", err)
	}
	return c.Quit()
}

func (s *Sink) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig != nil {
		return s.cfg.TLSConfig
	}
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host = s.cfg.Addr
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (s *Sink) render(d workflow.Delivery) ([]byte, error) {
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := mail.ParseAddress(d.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", d.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", outboundMessageID(d.Key, from.Address))
	if d.InReplyTo != "" {
		ref, err := messageReference(d.InReplyTo)
		if err != nil {
			return nil, err
		}
		header("In-Reply-To", ref)
		header("References", ref)
	}
	header("X-Auto-Response", "true")
	header("Auto-Submitted", "auto-replied")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(strings.ReplaceAll(d.Body, "\r\n", "\n"), "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// outboundMessageID is stable per delivery key so a relay or recipient that
// sees a retried send can recognise it.
func outboundMessageID(key, from string) string {
	sum := sha256.Sum256([]byte(key))
	domain := "localhost"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return "<" + hex.EncodeToString(sum[:12]) + "@" + domain + ">"
}

// mailAddress returns the bare addr-spec of s.
func mailAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a.Address, nil
}

// messageReference wraps an inbound message id as a msg-id for In-Reply-To
// and References.
func messageReference(id string) (string, error) {
	id = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
	if id == "" || strings.ContainsFunc(id, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r) || r == '<' || r == '>'
	}) {
		return "", fmt.Errorf("invalid message reference %q", id)
	}
	return "<" + id + ">", nil
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

// Delivered implements Ledger.
func (m *MemoryLedger) Delivered(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

// MarkDelivered implements Ledger.
func (m *MemoryLedger) MarkDelivered(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}
