// Package smtpsource is an inbound SMTP listener that queues accepted mail
// for the workflow engine. It implements workflow.ReadySource.
package smtpsource

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

// Config controls the listener.
type Config struct {
	Addr            string
	Domain          string
	BlockedSenders  []string
	QueueSize       int
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Defaults for zero Config fields.
const (
	DefaultQueueSize       = 1024
	DefaultMaxMessageBytes = 10 << 20
	DefaultTimeout         = 30 * time.Second
)

var (
	errQueueFull = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 1},
		Message:      "queue full, try again later",
	}
	errSenderBlocked = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "sender rejected",
	}
	errRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "relay access denied",
	}
	errBadRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errUnparsable = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "message could not be parsed",
	}
)

// Source accepts mail over SMTP and hands it to the engine through Poll.
type Source struct {
	cfg     Config
	logger  log.Logger
	now     func() time.Time
	blocked map[string]struct{}
	server  *gosmtp.Server

	mu    sync.Mutex
	queue []workflow.Message
	ready chan struct{}
}

// New builds a Source. Call ListenAndServe or Serve to start accepting.
func New(cfg Config, logger log.Logger) *Source {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTimeout
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}

	s := &Source{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		blocked: make(map[string]struct{}, len(cfg.BlockedSenders)),
		ready:   make(chan struct{}, 1),
	}
	for _, b := range cfg.BlockedSenders {
		if b = normalizeAddress(b); b != "" {
			s.blocked[b] = struct{}{}
		}
	}

	srv := gosmtp.NewServer(&backend{src: s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 50
	s.server = srv
	return s
}

// ListenAndServe listens on Config.Addr. It returns nil after Close.
func (s *Source) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l. It returns nil after Close.
func (s *Source) Serve(l net.Listener) error {
	err := s.server.Serve(l)
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the listener and drops open sessions. A session dropped before
// its DATA reply is retried by the sending MTA. Messages already answered
// with 250 stay queued and must still be polled, so close the listener
// before the engine that drains it.
func (s *Source) Close() error {
	return s.server.Close()
}

// Poll implements workflow.Source. It drains the queue.
func (s *Source) Poll(_ context.Context) ([]workflow.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, nil
}

// Ready implements workflow.ReadySource.
func (s *Source) Ready() <-chan struct{} { return s.ready }

// Queued returns the number of messages waiting for Poll.
func (s *Source) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Source) enqueue(m workflow.Message) bool {
	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueSize {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// isBlocked matches a full address or an "@domain" entry.
func (s *Source) isBlocked(addr string) bool {
	if _, ok := s.blocked[addr]; ok {
		return true
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		if _, ok := s.blocked[addr[at:]]; ok {
			return true
		}
	}
	return false
}

type backend struct {
	src *Source
}

// NewSession implements gosmtp.Backend.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{src: b.src, remote: remote}, nil
}

type session struct {
	src    *Source
	remote string
	from   string
	rcpts  int
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	addr := normalizeAddress(from)
	if s.src.isBlocked(addr) {
		s.src.logger.Info(context.Background(), "smtp sender blocked", "from", addr, "remote", s.remote)
		return errSenderBlocked
	}
	s.from = addr
	return nil
}

// Rcpt accepts only the configured domain so the listener is never a relay.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return errBadRecipient
	}
	if !strings.EqualFold(addr[at+1:], s.src.cfg.Domain) {
		return errRelayDenied
	}
	s.rcpts++
	return nil
}

func (s *session) Data(r io.Reader) error {
	ctx := context.Background()
	raw, err := io.ReadAll(io.LimitReader(r, s.src.cfg.MaxMessageBytes))
	if err != nil {
		return err
	}

	p, err := parseMessage(raw)
	if err != nil {
		s.src.logger.Warn(ctx, "smtp message unparsable", "from", s.from, "remote", s.remote, "err", err)
		return errUnparsable
	}

	sender := p.From
	if sender == "" {
		sender = s.from
	}
	if s.src.isBlocked(sender) {
		return errSenderBlocked
	}

	msg := workflow.Message{
		ID:         p.MessageID,
		Sender:     sender,
		Subject:    p.Subject,
		Body:       p.Body(),
		ReceivedAt: s.src.now().UTC(),
	}
	if !s.src.enqueue(msg) {
		s.src.logger.Warn(ctx, "smtp queue full, deferring message", "message_id", msg.ID, "from", sender)
		return errQueueFull
	}
	s.src.logger.Info(ctx, "smtp message accepted", "message_id", msg.ID, "from", sender, "bytes", len(raw))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = 0
}

func (s *session) Logout() error { return nil }
