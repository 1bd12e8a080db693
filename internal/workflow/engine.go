package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const tracerName = "github.com/linnemanlabs/herald/internal/workflow"

// ShutdownPolicy decides what happens to in-flight records when Run returns.
type ShutdownPolicy string

const (
	// ShutdownFail moves every non-terminal record to Failed("shutdown").
	ShutdownFail ShutdownPolicy = "fail"

	// ShutdownPersist leaves records in their persisted state for Resume.
	ShutdownPersist ShutdownPolicy = "persist"
)

// Limits caps concurrent calls per collaborator.
type Limits struct {
	Scoring    int
	Drafting   int
	Approvals  int
	Deliveries int
}

// Options are the engine tunables, validated once by the caller at startup.
type Options struct {
	UrgentTimeout        time.Duration
	UrgencyThreshold     int
	Retry                RetryPolicy
	Limits               Limits
	ApprovalPollInterval time.Duration
	ApprovalPollRate     float64
	SourcePollInterval   time.Duration
	AdmissionRetention   time.Duration
	ShutdownPolicy       ShutdownPolicy
	SubjectPrefix        string
	Now                  func() time.Time

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		UrgentTimeout:        10 * time.Minute,
		UrgencyThreshold:     4,
		Retry:                RetryPolicy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second},
		Limits:               Limits{Scoring: 8, Drafting: 4, Approvals: 4, Deliveries: 4},
		ApprovalPollInterval: 5 * time.Second,
		ApprovalPollRate:     20,
		SourcePollInterval:   30 * time.Second,
		ShutdownPolicy:       ShutdownFail,
		SubjectPrefix:        DefaultSubjectPrefix,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UrgentTimeout <= 0 {
		o.UrgentTimeout = d.UrgentTimeout
	}
	if o.UrgencyThreshold <= 0 {
		o.UrgencyThreshold = d.UrgencyThreshold
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if o.Retry.InitialBackoff <= 0 {
		o.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if o.Retry.MaxBackoff <= 0 {
		o.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if o.Limits.Scoring <= 0 {
		o.Limits.Scoring = d.Limits.Scoring
	}
	if o.Limits.Drafting <= 0 {
		o.Limits.Drafting = d.Limits.Drafting
	}
	if o.Limits.Approvals <= 0 {
		o.Limits.Approvals = d.Limits.Approvals
	}
	if o.Limits.Deliveries <= 0 {
		o.Limits.Deliveries = d.Limits.Deliveries
	}
	if o.ApprovalPollInterval <= 0 {
		o.ApprovalPollInterval = d.ApprovalPollInterval
	}
	if o.ApprovalPollRate <= 0 {
		o.ApprovalPollRate = d.ApprovalPollRate
	}
	if o.SourcePollInterval <= 0 {
		o.SourcePollInterval = d.SourcePollInterval
	}
	if o.ShutdownPolicy == "" {
		o.ShutdownPolicy = d.ShutdownPolicy
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = d.SubjectPrefix
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	return o
}

// Deps are the collaborators the engine drives. Source and Status are optional;
// Admitter defaults to a MemoryAdmitter.
type Deps struct {
	Source    Source
	Scorer    Scorer
	Drafter   Drafter
	Approvals ApprovalChannel
	Sink      Sink
	Store     Store
	Admitter  Admitter
	Status    StatusSurface
}

// EngineHooks receive instrumentation callbacks. Nil fields are skipped.
type EngineHooks struct {
	OnAdmit      func(result string)
	OnTransition func(from, to Status)
	OnCall       func(op string, duration float64, err error)
	OnComplete   func(route Route, outcome Outcome, duration float64)
	OnActive     func(n int)
}

// Engine owns one state machine per admitted message id and drives it from
// admission to a terminal outcome.
type Engine struct {
	deps   Deps
	opts   Options
	logger log.Logger
	hooks  EngineHooks
	tracer trace.Tracer

	monitor     *Monitor
	scoreSem    *semaphore.Weighted
	draftSem    *semaphore.Weighted
	approvalSem *semaphore.Weighted
	deliverSem  *semaphore.Weighted
	pollLimiter *rate.Limiter
	nudges      chan string

	// ctx is handed to collaborator calls and cancelled on shutdown;
	// bg outlives it for persistence and status reports.
	ctx    context.Context
	cancel context.CancelFunc
	bg     context.Context

	// admitting is held shared from admission until the first event is
	// posted and exclusively while shutdown flips stopping, so an admitted
	// id always gets a running record.
	admitting sync.RWMutex

	mu        sync.Mutex
	instances map[string]*instance
	started   bool
	stopping  bool
	sealed    bool
	wg        sync.WaitGroup
}

type eventKind int

const (
	evAdvance eventKind = iota
	evResolution
	evTimeout
	evFail
	evShutdown
)

type event struct {
	kind     eventKind
	result   ApprovalResult
	deadline time.Time
	reason   string
	err      error
}

// instance serializes all work on one record. rec is touched only by the
// goroutine that holds running; snap and the polling fields are guarded by mu.
type instance struct {
	mu      sync.Mutex
	rec     *Record
	snap    *Record
	events  []event
	running bool

	pollable     bool
	polling      bool
	pollFailures int
}

func newInstance(rec *Record) *instance {
	return &instance{rec: rec, snap: rec.Clone()}
}

// NewEngine creates an engine. Scorer, Drafter, Approvals, Sink and Store are required.
func NewEngine(deps Deps, opts Options, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case deps.Scorer == nil:
		panic(xerrors.New("workflow: scorer is required"))
	case deps.Drafter == nil:
		panic(xerrors.New("workflow: drafter is required"))
	case deps.Approvals == nil:
		panic(xerrors.New("workflow: approval channel is required"))
	case deps.Sink == nil:
		panic(xerrors.New("workflow: sink is required"))
	case deps.Store == nil:
		panic(xerrors.New("workflow: store is required"))
	}

	opts = opts.withDefaults()
	if deps.Admitter == nil {
		deps.Admitter = NewMemoryAdmitter(opts.AdmissionRetention)
	}

	ctx, cancel := context.WithCancel(context.Background())
	burst := int(opts.ApprovalPollRate)
	if burst < 1 {
		burst = 1
	}

	e := &Engine{
		deps:        deps,
		opts:        opts,
		logger:      logger,
		hooks:       hooks,
		tracer:      opts.TracerProvider.Tracer(tracerName),
		scoreSem:    semaphore.NewWeighted(int64(opts.Limits.Scoring)),
		draftSem:    semaphore.NewWeighted(int64(opts.Limits.Drafting)),
		approvalSem: semaphore.NewWeighted(int64(opts.Limits.Approvals)),
		deliverSem:  semaphore.NewWeighted(int64(opts.Limits.Deliveries)),
		pollLimiter: rate.NewLimiter(rate.Limit(opts.ApprovalPollRate), burst),
		nudges:      make(chan string, 64),
		ctx:         ctx,
		cancel:      cancel,
		bg:          context.WithoutCancel(ctx),
		instances:   make(map[string]*instance),
	}
	e.monitor = NewMonitor(e.onDeadline, opts.Now)
	return e
}

// Submit admits msg and starts its workflow. It returns ErrInvalidMessage for
// ids or senders unfit for mail headers, ErrDuplicateMessage when the id was
// seen before and ErrShutdown once shutdown has begun.
func (e *Engine) Submit(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		e.admitHook("invalid")
		return err
	}
	L := e.logger.With("message_id", msg.ID)

	e.admitting.RLock()
	defer e.admitting.RUnlock()
	inst, err := e.admit(ctx, msg, L)
	if err != nil {
		return err
	}

	e.admitHook("admitted")
	L.Info(ctx, "message admitted", "sender", msg.Sender, "subject", msg.Subject)

	e.report(inst.rec)
	e.post(inst, event{kind: evAdvance})
	return nil
}

// admit runs under the shared admitting lock.
func (e *Engine) admit(ctx context.Context, msg Message, L log.Logger) (*instance, error) {
	e.mu.Lock()
	stopping := e.stopping
	_, active := e.instances[msg.ID]
	e.mu.Unlock()
	if stopping {
		e.admitHook("shutdown")
		return nil, ErrShutdown
	}
	if active {
		e.admitHook("duplicate")
		L.Info(ctx, "duplicate message discarded", "sender", msg.Sender)
		return nil, ErrDuplicateMessage
	}

	ok, err := e.deps.Admitter.Admit(ctx, msg.ID)
	if err != nil {
		e.admitHook("error")
		return nil, fmt.Errorf("admit %s: %w", msg.ID, err)
	}
	if !ok {
		e.admitHook("duplicate")
		L.Info(ctx, "duplicate message discarded", "sender", msg.Sender)
		return nil, ErrDuplicateMessage
	}

	now := e.opts.Now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	inst := newInstance(NewRecord(msg, now))

	e.mu.Lock()
	e.instances[msg.ID] = inst
	n := len(e.instances)
	e.mu.Unlock()
	e.activeHook(n)
	return inst, nil
}

// Get returns a snapshot of the record for id, from the working set if it is
// still in flight and from the store otherwise.
func (e *Engine) Get(ctx context.Context, id string) (*Record, bool, error) {
	if inst := e.lookup(id); inst != nil {
		inst.mu.Lock()
		snap := inst.snap.Clone()
		inst.mu.Unlock()
		return snap, true, nil
	}
	return e.deps.Store.Get(ctx, id)
}

// Active returns the number of non-terminal records in the working set.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

// Nudge asks the approval poller to check id now instead of on the next tick.
func (e *Engine) Nudge(id string) {
	select {
	case e.nudges <- id:
	default:
	}
}

// Resume reloads non-terminal records from the store, re-arms their deadlines
// and restarts any step that was in progress. Call it before Run.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	recs, err := e.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active records: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		L := e.logger.With("message_id", rec.MessageID)

		e.mu.Lock()
		if _, ok := e.instances[rec.MessageID]; ok || e.stopping {
			e.mu.Unlock()
			continue
		}
		inst := newInstance(rec)
		e.instances[rec.MessageID] = inst
		e.mu.Unlock()

		if _, err := e.deps.Admitter.Admit(ctx, rec.MessageID); err != nil {
			L.Warn(ctx, "failed to re-admit resumed message", "error", err)
		}

		if rec.Status.Awaiting() {
			e.resumeAwaiting(ctx, inst, L)
		} else {
			e.post(inst, event{kind: evAdvance})
		}
		resumed++
		L.Info(ctx, "workflow resumed", "status", rec.Status, "deadline", rec.Deadline)
	}

	e.activeHook(e.Active())
	return resumed, nil
}

func (e *Engine) resumeAwaiting(ctx context.Context, inst *instance, L log.Logger) {
	rec := inst.rec
	if rec.Deadline.IsZero() || rec.ApprovalHandle == "" {
		e.post(inst, event{kind: evFail, reason: ReasonPolicy, err: &PolicyViolation{
			MessageID: rec.MessageID,
			Rule:      "awaiting record without deadline or approval handle",
		}})
		return
	}
	if r, ok := e.deps.Approvals.(ApprovalRestorer); ok {
		if err := r.RestoreApproval(ctx, rec.ApprovalHandle, promptFor(rec, rec.Deadline)); err != nil {
			L.Warn(ctx, "failed to restore approval request", "handle", rec.ApprovalHandle, "error", err)
		}
	}
	if err := e.monitor.Arm(rec.MessageID, rec.Deadline); err != nil {
		e.post(inst, event{kind: evFail, reason: ReasonPolicy, err: err})
		return
	}
	e.startPolling(inst)
}

// Run drives the timeout monitor, the approval poller and the source poller
// until ctx is done, then applies the shutdown policy and waits for every
// record goroutine to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.started = true
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error { return e.pollApprovals(gctx) })
	if e.deps.Source != nil {
		g.Go(func() error { return e.pollSource(gctx) })
	}
	if p, ok := e.deps.Admitter.(Pruner); ok && e.opts.AdmissionRetention > 0 {
		g.Go(func() error { return e.pruneAdmissions(gctx, p) })
	}

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) shutdown() {
	e.admitting.Lock()
	e.mu.Lock()
	e.stopping = true
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()
	e.admitting.Unlock()

	e.cancel()

	switch e.opts.ShutdownPolicy {
	case ShutdownPersist:
		e.logger.Info(e.bg, "leaving in-flight workflows for resume", "count", len(insts))
	default:
		e.logger.Info(e.bg, "failing in-flight workflows", "count", len(insts))
		for _, inst := range insts {
			e.post(inst, event{kind: evShutdown})
		}
	}

	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
	e.wg.Wait()

	if e.opts.ShutdownPolicy != ShutdownPersist {
		if ids := e.monitor.Drain(); len(ids) > 0 {
			e.logger.Warn(e.bg, "deadlines still armed after shutdown", "count", len(ids))
		}
	}
	e.logger.Info(e.bg, "workflow engine stopped", "active", e.Active())
}

func (e *Engine) lookup(id string) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[id]
}

// post queues ev on inst and starts a goroutine for it if none is running.
func (e *Engine) post(inst *instance, ev event) bool {
	inst.mu.Lock()
	if inst.running {
		inst.events = append(inst.events, ev)
		inst.mu.Unlock()
		return true
	}

	e.mu.Lock()
	if e.sealed {
		e.mu.Unlock()
		inst.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	inst.events = append(inst.events, ev)
	inst.running = true
	inst.mu.Unlock()

	go e.drain(inst)
	return true
}

func (e *Engine) drain(inst *instance) {
	defer e.wg.Done()
	for {
		inst.mu.Lock()
		if len(inst.events) == 0 {
			inst.running = false
			inst.mu.Unlock()
			return
		}
		ev := inst.events[0]
		inst.events = inst.events[1:]
		inst.mu.Unlock()

		e.handle(inst, ev)
	}
}

func (e *Engine) handle(inst *instance, ev event) {
	rec := inst.rec
	if rec.Status.Terminal() {
		return
	}
	L := e.logger.With("message_id", rec.MessageID)

	var (
		reason string
		err    error
	)
	switch ev.kind {
	case evResolution:
		reason, err = e.resolve(inst, ev.result, L)
	case evTimeout:
		reason, err = e.expire(inst, ev.deadline, L)
	case evFail:
		reason, err = ev.reason, ev.err
	case evShutdown:
		reason, err = ReasonShutdown, ErrShutdown
	}
	if err != nil {
		e.fail(inst, reason, err, L)
		return
	}
	e.advance(inst, L)
}

// resolve applies an approval decision. Whichever of resolve and expire runs
// first for an awaiting record wins; the other finds it no longer awaiting.
func (e *Engine) resolve(inst *instance, res ApprovalResult, L log.Logger) (string, error) {
	rec := inst.rec
	if !rec.Status.Awaiting() {
		L.Info(e.bg, "stale approval result ignored", "status", rec.Status, "decision", res.Decision)
		return "", nil
	}

	switch res.Decision {
	case DecisionApproved:
		text := res.Text
		if strings.TrimSpace(text) == "" && rec.Route == RouteStandard {
			text = rec.DraftText
		}
		if strings.TrimSpace(text) == "" {
			L.Warn(e.bg, "approval without response text ignored, deadline stands")
			e.stopPolling(inst)
			return "", nil
		}
		e.monitor.Disarm(rec.MessageID)
		e.stopPolling(inst)
		rec.ResponseText = text
		rec.DecidedBy = res.DecidedBy
		return ReasonStore, e.move(inst, StatusApproved, decidedNote("approved", res.DecidedBy))

	case DecisionRejected:
		if rec.Route == RouteUrgent {
			L.Warn(e.bg, "rejection on urgent route ignored, deadline stands", "decided_by", res.DecidedBy)
			e.stopPolling(inst)
			return "", nil
		}
		e.monitor.Disarm(rec.MessageID)
		e.stopPolling(inst)
		rec.DecidedBy = res.DecidedBy
		return ReasonStore, e.move(inst, StatusRejected, decidedNote("rejected", res.DecidedBy))
	}
	return "", nil
}

func (e *Engine) expire(inst *instance, deadline time.Time, L log.Logger) (string, error) {
	rec := inst.rec
	if !rec.Status.Awaiting() || !rec.Deadline.Equal(deadline) {
		L.Info(e.bg, "stale timeout ignored", "status", rec.Status)
		return "", nil
	}
	e.stopPolling(inst)
	e.withdrawApproval(rec, L)
	rec.ResponseText = FallbackText(rec.Message)
	L.Info(e.bg, "approval deadline passed, falling back", "route", rec.Route, "deadline", deadline)
	return ReasonStore, e.move(inst, StatusTimedOut, "deadline passed")
}

// advance runs steps until the record suspends or terminates.
func (e *Engine) advance(inst *instance, L log.Logger) {
	for {
		rec := inst.rec
		if rec.Status.Terminal() || rec.Status.Awaiting() {
			return
		}
		if e.isStopping() {
			if e.opts.ShutdownPolicy == ShutdownPersist {
				L.Info(e.bg, "workflow left for resume", "status", rec.Status)
				return
			}
			e.fail(inst, ReasonShutdown, ErrShutdown, L)
			return
		}

		reason, err := e.step(inst, L)
		if err == nil {
			continue
		}
		if e.ctx.Err() != nil {
			if e.opts.ShutdownPolicy == ShutdownPersist {
				L.Info(e.bg, "step interrupted by shutdown, workflow left for resume", "status", rec.Status)
				return
			}
			reason = ReasonShutdown
		}
		e.fail(inst, reason, err, L)
		return
	}
}

func (e *Engine) step(inst *instance, L log.Logger) (string, error) {
	rec := inst.rec
	switch rec.Status {
	case StatusReceived:
		return ReasonStore, e.move(inst, StatusScoring, "")

	case StatusScoring:
		score, err := call(e, e.scoreSem, ReasonScoring, rec.MessageID, L, func(ctx context.Context) (int, error) {
			s, err := e.deps.Scorer.Score(ctx, rec.Message)
			if err == nil && (s < 1 || s > 5) {
				err = fmt.Errorf("urgency score %d out of range 1..5", s)
			}
			return s, err
		})
		if err != nil {
			return ReasonScoring, err
		}
		if err := rec.setScore(score, e.opts.UrgencyThreshold); err != nil {
			return ReasonPolicy, err
		}
		L.Info(e.bg, "message scored", "urgency_score", score, "route", rec.Route)
		return ReasonStore, e.move(inst, StatusRouted, string(rec.Route))

	case StatusRouted:
		if rec.Route == RouteUrgent {
			return e.requestApproval(inst, PromptEscalation, StatusAwaitingHumanInput, L)
		}
		return ReasonStore, e.move(inst, StatusDrafting, "")

	case StatusDrafting:
		if rec.DraftText == "" {
			text, err := call(e, e.draftSem, ReasonGeneration, rec.MessageID, L, func(ctx context.Context) (string, error) {
				t, err := e.deps.Drafter.Draft(ctx, rec.Message)
				if err == nil && strings.TrimSpace(t) == "" {
					err = errors.New("draft generator returned empty text")
				}
				return t, err
			})
			if err != nil {
				return ReasonGeneration, err
			}
			if err := rec.setDraft(text); err != nil {
				return ReasonPolicy, err
			}
			e.publish(inst)
		}
		return e.requestApproval(inst, PromptDraftReview, StatusAwaitingApproval, L)

	case StatusApproved:
		return ReasonStore, e.move(inst, StatusSending, "")

	case StatusTimedOut:
		return ReasonStore, e.move(inst, StatusSendingFallback, "")

	case StatusSending:
		return e.deliver(inst, DeliveryReply, StatusSent, L)

	case StatusSendingFallback:
		if rec.ResponseText == "" {
			rec.ResponseText = FallbackText(rec.Message)
		}
		return e.deliver(inst, DeliveryFallback, StatusFallbackSent, L)
	}
	return ReasonPolicy, &PolicyViolation{MessageID: rec.MessageID, Rule: "no step for status " + string(rec.Status)}
}

func (e *Engine) requestApproval(inst *instance, kind PromptKind, next Status, L log.Logger) (string, error) {
	rec := inst.rec
	deadline := e.opts.Now().Add(e.opts.UrgentTimeout)
	p := promptFor(rec, deadline)
	p.Kind = kind

	handle, err := call(e, e.approvalSem, ReasonApproval, rec.MessageID, L, func(ctx context.Context) (string, error) {
		return e.deps.Approvals.RequestApproval(ctx, p)
	})
	if err != nil {
		return ReasonApproval, err
	}

	rec.ApprovalHandle = handle
	rec.Deadline = deadline
	if err := e.monitor.Arm(rec.MessageID, deadline); err != nil {
		return ReasonPolicy, err
	}
	if err := e.move(inst, next, string(kind)); err != nil {
		return ReasonStore, err
	}
	e.startPolling(inst)
	L.Info(e.bg, "awaiting approval", "kind", kind, "handle", handle, "deadline", deadline)
	return "", nil
}

// deliver records the send attempt durably, calls the sink with a stable key
// and marks the send confirmed before moving to next.
func (e *Engine) deliver(inst *instance, kind DeliveryKind, next Status, L log.Logger) (string, error) {
	rec := inst.rec
	if rec.SendConfirmedAt.IsZero() {
		d := ComposeDelivery(rec, kind, rec.ResponseText, e.opts.SubjectPrefix)

		rec.SendAttemptedAt = e.opts.Now()
		if err := e.persist(inst); err != nil {
			return ReasonStore, err
		}

		_, err := call(e, e.deliverSem, ReasonDelivery, rec.MessageID, L, func(ctx context.Context) (struct{}, error) {
			rec.SendAttempts++
			return struct{}{}, e.deps.Sink.Deliver(ctx, d)
		})
		e.publish(inst)
		if err != nil {
			return ReasonDelivery, err
		}
		rec.SendConfirmedAt = e.opts.Now()
		L.Info(e.bg, "response delivered", "kind", kind, "to", d.To, "attempts", rec.SendAttempts)
	}
	return ReasonStore, e.move(inst, next, "")
}

// move applies a transition, then publishes, persists and reports it.
func (e *Engine) move(inst *instance, to Status, note string) error {
	rec := inst.rec
	from := rec.Status
	if err := rec.transition(e.opts.Now(), to, note); err != nil {
		return err
	}
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(from, to)
	}
	e.publish(inst)
	err := e.persist(inst)
	e.report(rec)
	if to.Terminal() {
		e.complete(inst)
	}
	return err
}

func (e *Engine) fail(inst *instance, reason string, cause error, L log.Logger) {
	rec := inst.rec
	if rec.Status.Terminal() {
		return
	}
	e.monitor.Disarm(rec.MessageID)
	e.stopPolling(inst)
	if rec.Status.Awaiting() {
		e.withdrawApproval(rec, L)
	}

	if IsPolicyViolation(cause) {
		reason = ReasonPolicy
	}
	if reason == "" {
		reason = ReasonPolicy
	}
	L.Error(e.bg, cause, "workflow failed", "reason", reason, "status", rec.Status)

	if err := e.move(inst, StatusFailed, reason); err != nil {
		L.Error(e.bg, err, "failed to record workflow failure", "reason", reason)
	}
}

// withdrawApproval tells the approval channel the record stopped waiting,
// so the request cannot be decided after the fact.
func (e *Engine) withdrawApproval(rec *Record, L log.Logger) {
	c, ok := e.deps.Approvals.(ApprovalCanceller)
	if !ok || rec.ApprovalHandle == "" {
		return
	}
	if err := c.CancelApproval(e.bg, rec.ApprovalHandle); err != nil {
		L.Warn(e.bg, "failed to withdraw approval request", "handle", rec.ApprovalHandle, "error", err)
	}
}

func (e *Engine) complete(inst *instance) {
	rec := inst.rec

	e.mu.Lock()
	delete(e.instances, rec.MessageID)
	n := len(e.instances)
	e.mu.Unlock()

	e.activeHook(n)
	if e.hooks.OnComplete != nil && rec.Outcome != nil {
		e.hooks.OnComplete(rec.Route, *rec.Outcome, rec.CompletedAt.Sub(rec.CreatedAt).Seconds())
	}

	e.logger.Info(e.bg, "workflow complete",
		"message_id", rec.MessageID,
		"outcome", rec.Outcome.Kind,
		"reason", rec.Outcome.Reason,
		"route", rec.Route,
		"duration", rec.CompletedAt.Sub(rec.CreatedAt).Seconds(),
	)
}

func (e *Engine) publish(inst *instance) {
	snap := inst.rec.Clone()
	inst.mu.Lock()
	inst.snap = snap
	inst.mu.Unlock()
}

func (e *Engine) persist(inst *instance) error {
	rec := inst.rec.Clone()
	_, err := retry(e.bg, e.opts.Retry, ReasonStore, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.deps.Store.Put(ctx, rec)
	}, nil)
	if err != nil {
		return fmt.Errorf("persist %s: %w", rec.MessageID, err)
	}
	return nil
}

func (e *Engine) report(rec *Record) {
	if e.deps.Status == nil {
		return
	}
	r := StatusReport{
		MessageID: rec.MessageID,
		Status:    rec.Status,
		Route:     rec.Route,
		Sender:    rec.Message.Sender,
		Subject:   rec.Message.Subject,
		At:        rec.UpdatedAt,
	}
	if rec.Outcome != nil {
		o := *rec.Outcome
		r.Outcome = &o
	}
	e.deps.Status.Report(e.bg, r)
}

func (e *Engine) startPolling(inst *instance) {
	inst.mu.Lock()
	inst.pollable = true
	inst.pollFailures = 0
	inst.mu.Unlock()
}

func (e *Engine) stopPolling(inst *instance) {
	inst.mu.Lock()
	inst.pollable = false
	inst.mu.Unlock()
}

func (e *Engine) onDeadline(id string, deadline time.Time) {
	if inst := e.lookup(id); inst != nil {
		e.post(inst, event{kind: evTimeout, deadline: deadline})
	}
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Engine) admitHook(result string) {
	if e.hooks.OnAdmit != nil {
		e.hooks.OnAdmit(result)
	}
}

func (e *Engine) activeHook(n int) {
	if e.hooks.OnActive != nil {
		e.hooks.OnActive(n)
	}
}

// call runs one collaborator operation under its concurrency cap with retries.
func call[T any](e *Engine, sem *semaphore.Weighted, op, messageID string, L log.Logger, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	return retry(e.ctx, e.opts.Retry, op, func(ctx context.Context) (T, error) {
		var zero T
		if err := sem.Acquire(ctx, 1); err != nil {
			return zero, err
		}
		defer sem.Release(1)

		attempt++
		ctx, span := e.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
			attribute.String("herald.message.id", messageID),
			attribute.Int("herald.attempt", attempt),
		))
		defer span.End()

		start := time.Now()
		v, err := fn(ctx)
		if e.hooks.OnCall != nil {
			e.hooks.OnCall(op, time.Since(start).Seconds(), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return v, err
	}, func(attempt int, err error, wait time.Duration) {
		L.Warn(e.bg, "collaborator call failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", wait.String(),
			"error", err,
		)
	})
}

func promptFor(rec *Record, deadline time.Time) Prompt {
	kind := PromptDraftReview
	if rec.Route == RouteUrgent {
		kind = PromptEscalation
	}
	return Prompt{
		MessageID: rec.MessageID,
		Kind:      kind,
		Message:   rec.Message,
		Score:     rec.UrgencyScore,
		Draft:     rec.DraftText,
		Deadline:  deadline,
	}
}

func decidedNote(verb, by string) string {
	if by == "" {
		return verb
	}
	return verb + " by " + by
}
