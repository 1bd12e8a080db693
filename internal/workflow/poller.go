package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// pruneInterval is how often expired admissions are swept.
const pruneInterval = 10 * time.Minute

// pollApprovals checks every awaiting record on each tick, and individual
// records on demand via Nudge. Decisions are final, so polling stops for a
// record once one is seen. Consecutive poll failures beyond the retry ceiling
// fail the record.
func (e *Engine) pollApprovals(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.ApprovalPollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, inst := range e.snapshotInstances() {
				if !e.pollOne(ctx, inst, &wg) && ctx.Err() != nil {
					return nil
				}
			}
		case id := <-e.nudges:
			if inst := e.lookup(id); inst != nil {
				e.pollOne(ctx, inst, &wg)
			}
		}
	}
}

// pollOne starts an asynchronous poll for inst if it is pollable and not
// already being polled. It returns false when the limiter or the concurrency
// cap refused to admit the poll.
func (e *Engine) pollOne(ctx context.Context, inst *instance, wg *sync.WaitGroup) bool {
	inst.mu.Lock()
	if !inst.pollable || inst.polling {
		inst.mu.Unlock()
		return true
	}
	inst.polling = true
	id, handle := inst.snap.MessageID, inst.snap.ApprovalHandle
	inst.mu.Unlock()

	release := func() {
		inst.mu.Lock()
		inst.polling = false
		inst.mu.Unlock()
	}

	if err := e.pollLimiter.Wait(ctx); err != nil {
		release()
		return false
	}
	if err := e.approvalSem.Acquire(ctx, 1); err != nil {
		release()
		return false
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer e.approvalSem.Release(1)

		start := time.Now()
		res, err := e.deps.Approvals.PollApproval(ctx, handle)
		if e.hooks.OnCall != nil {
			e.hooks.OnCall("approval_poll", time.Since(start).Seconds(), err)
		}

		inst.mu.Lock()
		inst.polling = false
		if err != nil {
			if ctx.Err() != nil {
				inst.mu.Unlock()
				return
			}
			inst.pollFailures++
			failures := inst.pollFailures
			exhausted := failures >= e.opts.Retry.MaxAttempts
			if exhausted {
				inst.pollable = false
			}
			inst.mu.Unlock()

			e.logger.Warn(e.bg, "approval poll failed",
				"message_id", id,
				"handle", handle,
				"attempt", failures,
				"error", err,
			)
			if exhausted {
				e.post(inst, event{
					kind:   evFail,
					reason: ReasonApproval,
					err:    &TransientError{Op: ReasonApproval, Attempts: failures, Err: err},
				})
			}
			return
		}

		inst.pollFailures = 0
		decided := res.Decision == DecisionApproved || res.Decision == DecisionRejected
		if decided {
			inst.pollable = false
		}
		inst.mu.Unlock()

		if decided {
			e.post(inst, event{kind: evResolution, result: res})
		}
	}()
	return true
}

// pollSource drains the source on every interval tick, and immediately when a
// ReadySource signals.
func (e *Engine) pollSource(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SourcePollInterval)
	defer ticker.Stop()

	var ready <-chan struct{}
	if rs, ok := e.deps.Source.(ReadySource); ok {
		ready = rs.Ready()
	}

	for {
		e.drainSource(ctx)
		select {
		case <-ctx.Done():
			// the source already acknowledged whatever it holds; admit it
			// before shutdown closes intake
			e.drainSource(e.bg)
			return nil
		case <-ticker.C:
		case <-ready:
		}
	}
}

func (e *Engine) drainSource(ctx context.Context) {
	msgs, err := e.deps.Source.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn(ctx, "source poll failed", "error", err)
		}
		return
	}
	for _, msg := range msgs {
		err := e.Submit(ctx, msg)
		switch {
		case err == nil, errors.Is(err, ErrDuplicateMessage):
		case errors.Is(err, ErrShutdown):
			return
		default:
			e.logger.Error(ctx, err, "failed to submit message", "message_id", msg.ID)
		}
	}
}

// pruneAdmissions forgets admitted ids older than the retention window.
func (e *Engine) pruneAdmissions(ctx context.Context, p Pruner) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Prune(ctx, e.opts.Now().Add(-e.opts.AdmissionRetention))
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn(ctx, "admission prune failed", "error", err)
				}
				continue
			}
			if n > 0 {
				e.logger.Info(ctx, "pruned expired admissions", "count", n)
			}
		}
	}
}

// snapshotInstances returns the current working set.
func (e *Engine) snapshotInstances() []*instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}
