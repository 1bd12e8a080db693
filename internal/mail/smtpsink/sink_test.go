package smtpsink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/mail/smtpsource"
	"github.com/linnemanlabs/herald/internal/workflow"
)

// relay is a capturing SMTP server.
type relay struct {
	mu       sync.Mutex
	messages []string
	users    []string
	rejectTo string

	encrypted []bool
	helos     []string
}

func (r *relay) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &relaySession{r: r, conn: c}, nil
}

func (r *relay) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type relaySession struct {
	r    *relay
	conn *gosmtp.Conn
}

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != "secret" {
			return errors.New("bad credentials")
		}
		s.r.mu.Lock()
		s.r.users = append(s.r.users, username)
		s.r.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(string, *gosmtp.MailOptions) error { return nil }

func (s *relaySession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.r.rejectTo != "" && to == s.r.rejectTo {
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	return nil
}

func (s *relaySession) Data(r io.Reader) error {

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, encrypted := s.conn.TLSConnectionState()
	s.r.mu.Lock()
	s.r.messages = append(s.r.messages, string(b))
	s.r.encrypted = append(s.r.encrypted, encrypted)
	s.r.helos = append(s.r.helos, s.conn.Hostname())
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        {}
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, be gosmtp.Backend) string {
	t.Helper()
	return startRelayTLS(t, be, nil)
}

// startRelayTLS offers STARTTLS when tlsCfg is set.
func startRelayTLS(t *testing.T, be gosmtp.Backend, tlsCfg *tls.Config) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := gosmtp.NewServer(be)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsCfg
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

func testDelivery() workflow.Delivery {
	return workflow.Delivery{
		Key:       "abc@mail.example.com/reply",
		Kind:      workflow.DeliveryReply,
		To:        "dana@example.com",
		Subject:   "Re: Order 42 missing",
		Body:      "It ships today.\nTracking follows.",
		InReplyTo: "abc@mail.example.com",
	}
}

func TestDeliverRendersReply(t *testing.T) {
	t.Parallel()

	r := &relay{}
	addr := startRelay(t, r)
	s, err := New(Config{Addr: addr, From: "Support <help@support.example.com>", Username: "bot", Password: "secret"}, nil, log.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Deliver(context.Background(), testDelivery()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := r.received()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	for _, want := range []string{
		"From: \"Support\" <help@support.example.com>\r\n",
		"To: <dana@example.com>\r\n",
		"Subject: Re: Order 42 missing\r\n",
		"In-Reply-To: <abc@mail.example.com>\r\n",
		"References: <abc@mail.example.com>\r\n",
		"X-Auto-Response: true\r\n",
		"Message-ID: " + outboundMessageID("abc@mail.example.com/reply", "help@support.example.com") + "\r\n",
		"It ships today.\r\nTracking follows.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}

	r.mu.Lock()
	users := append([]string(nil), r.users...)
	r.mu.Unlock()
	if len(users) != 1 || users[0] != "bot" {
		t.Errorf("authenticated users = %v, want [bot]", users)
	}
}

func TestDeliverSameKeyOnce(t *testing.T) {
	t.Parallel()

	r := &relay{}
	addr := startRelay(t, r)
	ledger := NewMemoryLedger()
	s, err := New(Config{Addr: addr, From: "help@support.example.com"}, ledger, log.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for range 3 {
		if err := s.Deliver(ctx, testDelivery()); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if n := len(r.received()); n != 1 {
		t.Errorf("relay got %d messages, want 1", n)
	}

	fallback := testDelivery()
	fallback.Key = workflow.DeliveryKey("abc@mail.example.com", workflow.DeliveryFallback)
	if err := s.Deliver(ctx, fallback); err != nil {
		t.Fatalf("Deliver fallback: %v", err)
	}
	if n := len(r.received()); n != 2 {
		t.Errorf("relay got %d messages, want 2", n)
	}
}

func TestDeliverRelayRejection(t *testing.T) {
	t.Parallel()

	r := &relay{rejectTo: "dana@example.com"}
	addr := startRelay(t, r)
	ledger := NewMemoryLedger()
	s, _ := New(Config{Addr: addr, From: "help@support.example.com"}, ledger, log.Nop())

	d := testDelivery()
	if err := s.Deliver(context.Background(), d); err == nil {
		t.Fatal("expected error for rejected recipient")
	}
	if ok, _ := ledger.Delivered(context.Background(), d.Key); ok {
		t.Error("failed delivery recorded in ledger")
	}
}

func TestDeliverCancelledContext(t *testing.T) {
	t.Parallel()

	s, _ := New(Config{Addr: "127.0.0.1:1", From: "help@support.example.com"}, nil, log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Deliver(ctx, testDelivery()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{From: "a@b.c"}, nil, nil); err == nil {
		t.Error("expected error without relay address")
	}
	if _, err := New(Config{Addr: "x:25", From: "nobody"}, nil, nil); err == nil {
		t.Error("expected error for invalid from")
	}
}

func TestOutboundMessageIDStable(t *testing.T) {
	t.Parallel()

	a := outboundMessageID("k/reply", "help@support.example.com")
	b := outboundMessageID("k/reply", "help@support.example.com")
	c := outboundMessageID("k/fallback", "help@support.example.com")
	if a != b {
		t.Errorf("ids differ for same key: %q vs %q", a, b)
	}
	if a == c {
		t.Error("ids equal for different keys")
	}
	if !strings.HasSuffix(a, "@support.example.com>") {
		t.Errorf("id = %q", a)
	}
}

// A reply sent through the sink arrives intact at an inbound listener.
func TestDeliverToInboundListener(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	src := smtpsource.New(smtpsource.Config{Domain: "example.com"}, log.Nop())
	go func() { _ = src.Serve(l) }()
	t.Cleanup(func() { _ = src.Close() })

	s, _ := New(Config{Addr: l.Addr().String(), From: "help@support.example.com"}, nil, log.Nop())
	d := testDelivery()
	d.Subject = "Re: Café order"
	if err := s.Deliver(context.Background(), d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case <-src.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never signalled ready")
	}
	msgs, _ := src.Poll(context.Background())
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Subject != "Re: Café order" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if m.Sender != "help@support.example.com" {
		t.Errorf("Sender = %q", m.Sender)
	}
	if m.Body != "It ships today.\r\nTracking follows." {
		t.Errorf("Body = %q", m.Body)
	}
	wantID := strings.Trim(outboundMessageID(d.Key, "help@support.example.com"), "<>")
	if m.ID != wantID {
		t.Errorf("ID = %q, want %q", m.ID, wantID)
	}
}

// selfSignedTLS returns a server config for 127.0.0.1 and a client config
// that trusts it.
func selfSignedTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

func TestDeliverStartTLS(t *testing.T) {
	t.Parallel()

	serverTLS, clientTLS := selfSignedTLS(t)
	r := &relay{}
	addr := startRelayTLS(t, r, serverTLS)

	s, err := New(Config{
		Addr:      addr,
		From:      "help@support.example.com",
		HeloName:  "herald.example.com",
		Username:  "bot",
		Password:  "secret",
		StartTLS:  true,
		TLSConfig: clientTLS,
	}, nil, log.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Deliver(context.Background(), testDelivery()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.encrypted) != 1 || !r.encrypted[0] {
		t.Errorf("encrypted = %v, want [true]", r.encrypted)
	}
	if len(r.helos) != 1 || r.helos[0] != "herald.example.com" {
		t.Errorf("helo = %v, want [herald.example.com]", r.helos)
	}
}

func TestDeliverStartTLSUnsupported(t *testing.T) {
	t.Parallel()

	r := &relay{}
	addr := startRelay(t, r)
	s, _ := New(Config{Addr: addr, From: "help@support.example.com", StartTLS: true}, nil, log.Nop())

	err := s.Deliver(context.Background(), testDelivery())
	if err == nil || !strings.Contains(err.Error(), "starttls") {
		t.Fatalf("err = %v, want starttls failure", err)
	}
	if n := len(r.received()); n != 0 {
		t.Errorf("relay got %d messages over plaintext, want 0", n)
	}
}

func TestDeliverRejectsHeaderInjection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*workflow.Delivery)
	}{
		{"crlf in reference", func(d *workflow.Delivery) {
			d.InReplyTo = "abc\r\nBcc: victim@evil.test\r\nX-Injected: 1"
		}},
		{"bare lf in reference", func(d *workflow.Delivery) { d.InReplyTo = "abc\nX-Injected: 1" }},
		{"space in reference", func(d *workflow.Delivery) { d.InReplyTo = "abc def@example.com" }},
		{"crlf in recipient", func(d *workflow.Delivery) { d.To = "dana@example.com\r\nBcc: victim@evil.test" }},
		{"crlf in recipient name", func(d *workflow.Delivery) { d.To = "Dana\r\nBcc: victim@evil.test <dana@example.com>" }},
		{"two recipients", func(d *workflow.Delivery) { d.To = "dana@example.com, victim@evil.test" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &relay{}
			addr := startRelay(t, r)
			s, _ := New(Config{Addr: addr, From: "help@support.example.com"}, nil, log.Nop())

			d := testDelivery()
			tt.mutate(&d)
			if err := s.Deliver(context.Background(), d); err == nil {
				t.Fatal("expected error")
			}
			for _, m := range r.received() {
				if strings.Contains(m, "X-Injected") || strings.Contains(m, "Bcc:") {
					t.Errorf("injected header reached relay:\n%s", m)
				}
			}
			if n := len(r.received()); n != 0 {
				t.Errorf("relay got %d messages, want 0", n)
			}
		})
	}
}

func TestRenderQuotesDisplayNames(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Addr: "x:25", From: "Support Team <help@support.example.com>"}, nil, log.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := testDelivery()
	d.To = "Dana Q. Public <dana@example.com>"
	msg, err := s.render(d)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	got := string(msg)
	for _, want := range []string{
		"From: \"Support Team\" <help@support.example.com>\r\n",
		"To: \"Dana Q. Public\" <dana@example.com>\r\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}
}
