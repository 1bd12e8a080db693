package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var errBoom = errors.New("boom")

// fakeScorer returns a fixed score per message id, failing the first failN calls.
type fakeScorer struct {
	mu     sync.Mutex
	scores map[string]int
	def    int
	failN  int
	err    error
	calls  int
}

func (f *fakeScorer) Score(_ context.Context, msg Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if f.calls <= f.failN {
		return 0, errBoom
	}
	if s, ok := f.scores[msg.ID]; ok {
		return s, nil
	}
	return f.def, nil
}

func (f *fakeScorer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDrafter struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeDrafter) Draft(_ context.Context, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return "draft for " + msg.Subject, nil
}

func (f *fakeDrafter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeApprovals uses the message id as the handle. Decisions may be set
// before or after the request is issued.
type fakeApprovals struct {
	mu         sync.Mutex
	prompts    []Prompt
	decisions  map[string]ApprovalResult
	requestErr error
	pollErr    error
	polls      int
	restored   []string
	cancelled  []string
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{decisions: make(map[string]ApprovalResult)}
}

func (f *fakeApprovals) RequestApproval(_ context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return "", f.requestErr
	}
	f.prompts = append(f.prompts, p)
	return p.MessageID, nil
}

func (f *fakeApprovals) PollApproval(_ context.Context, handle string) (ApprovalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return ApprovalResult{}, f.pollErr
	}
	if res, ok := f.decisions[handle]; ok {
		return res, nil
	}
	return ApprovalResult{Decision: DecisionPending}, nil
}

func (f *fakeApprovals) RestoreApproval(_ context.Context, handle string, _ Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, handle)
	return nil
}

func (f *fakeApprovals) CancelApproval(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeApprovals) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeApprovals) decide(id string, res ApprovalResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions[id] = res
}

func (f *fakeApprovals) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Prompt(nil), f.prompts...)
}

func (f *fakeApprovals) Restored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restored...)
}

// fakeSink records every delivery attempt and fails the first failN.
type fakeSink struct {
	mu       sync.Mutex
	attempts []Delivery
	sent     []Delivery
	failN    int
	err      error
}

func (f *fakeSink) Deliver(_ context.Context, d Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, d)
	if f.err != nil {
		return f.err
	}
	if len(f.attempts) <= f.failN {
		return errBoom
	}
	f.sent = append(f.sent, d)
	return nil
}

func (f *fakeSink) Sent() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.sent...)
}

func (f *fakeSink) Attempts() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.attempts...)
}

// mockStore implements Store for testing.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*Record
	putErr  error
	puts    int
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*Record)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) Put(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.records[r.MessageID] = r.Clone()
	return nil
}

func (m *mockStore) ListActive(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// recordingSurface collects status reports.
type recordingSurface struct {
	mu      sync.Mutex
	reports []StatusReport
}

func (s *recordingSurface) Report(_ context.Context, r StatusReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSurface) Reports() []StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusReport(nil), s.reports...)
}

func (s *recordingSurface) terminalCount(id string) int {
	n := 0
	for _, r := range s.Reports() {
		if r.MessageID == id && r.Terminal() {
			n++
		}
	}
	return n
}

// fakeSource yields each batch once.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]Message
	polls   int
}

func (f *fakeSource) Poll(_ context.Context) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) add(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, msgs)
}

func (f *fakeSource) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type harness struct {
	engine    *Engine
	scorer    *fakeScorer
	drafter   *fakeDrafter
	approvals *fakeApprovals
	sink      *fakeSink
	store     *mockStore
	surface   *recordingSurface

	cancel context.CancelFunc
	done   chan error
}

func testOptions() Options {
	return Options{
		UrgentTimeout:        time.Minute,
		UrgencyThreshold:     4,
		Retry:                RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		ApprovalPollInterval: 5 * time.Millisecond,
		ApprovalPollRate:     1000,
		SourcePollInterval:   10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, opts Options, mutate func(*harness, *Deps)) *harness {
	t.Helper()

	h := &harness{
		scorer:    &fakeScorer{def: 2},
		drafter:   &fakeDrafter{},
		approvals: newFakeApprovals(),
		sink:      &fakeSink{},
		store:     newMockStore(),
		surface:   &recordingSurface{},
	}
	deps := Deps{
		Scorer:    h.scorer,
		Drafter:   h.drafter,
		Approvals: h.approvals,
		Sink:      h.sink,
		Store:     h.store,
		Status:    h.surface,
	}
	if mutate != nil {
		mutate(h, &deps)
	}
	h.engine = NewEngine(deps, opts, log.Nop(), EngineHooks{})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func (h *harness) submit(t *testing.T, msg Message) {
	t.Helper()
	if err := h.engine.Submit(context.Background(), msg); err != nil {
		t.Fatalf("Submit(%s): %v", msg.ID, err)
	}
}

// waitStatus polls Get until the record reaches want.
func (h *harness) waitStatus(t *testing.T, id string, want Status) *Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *Record
	for time.Now().Before(deadline) {
		r, ok, err := h.engine.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if ok {
			last = r
			if r.Status == want {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("record %s status = %q, want %q", id, last.Status, want)
	}
	t.Fatalf("record %s not found, want status %q", id, want)
	return nil
}

func testMessage(id string) Message {
	return Message{
		ID:      id,
		Sender:  "alice@example.com",
		Subject: "Order " + id,
		Body:    "Where is my order?",
	}
}
