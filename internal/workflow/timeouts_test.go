package workflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fired struct {
	id string
	at time.Time
}

type fireRecorder struct {
	mu    sync.Mutex
	fires []fired
	ch    chan fired
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan fired, 16)}
}

func (f *fireRecorder) fire(id string, at time.Time) {
	f.mu.Lock()
	f.fires = append(f.fires, fired{id, at})
	f.mu.Unlock()
	f.ch <- fired{id, at}
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func runMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMonitor_FiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	m := NewMonitor(rec.fire, nil)
	now := time.Now()

	for _, a := range []struct {
		id string
		at time.Duration
	}{{"c", 60 * time.Millisecond}, {"a", 20 * time.Millisecond}, {"b", 40 * time.Millisecond}} {
		if err := m.Arm(a.id, now.Add(a.at)); err != nil {
			t.Fatal(err)
		}
	}
	runMonitor(t, m)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case f := <-rec.ch:
			if f.id != want {
				t.Errorf("fired %q, want %q", f.id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after all fired", m.Len())
	}
}

func TestMonitor_DisarmPreventsFire(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	m := NewMonitor(rec.fire, nil)
	runMonitor(t, m)

	if err := m.Arm("x", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if !m.Disarm("x") {
		t.Fatal("Disarm reported nothing armed")
	}
	if m.Disarm("x") {
		t.Error("second Disarm reported armed")
	}

	time.Sleep(80 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("fires = %d, want 0", n)
	}
}

func TestMonitor_DoubleArmIsViolation(t *testing.T) {
	t.Parallel()

	m := NewMonitor(func(string, time.Time) {}, nil)
	at := time.Now().Add(time.Hour)
	if err := m.Arm("x", at); err != nil {
		t.Fatal(err)
	}
	if err := m.Arm("x", at.Add(time.Minute)); !IsPolicyViolation(err) {
		t.Fatalf("err = %v, want policy violation", err)
	}
	got, ok := m.Armed("x")
	if !ok || !got.Equal(at) {
		t.Errorf("Armed = %v %v, want original deadline", got, ok)
	}
}

func TestMonitor_PastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	m := NewMonitor(rec.fire, nil)
	past := time.Now().Add(-time.Hour)
	if err := m.Arm("late", past); err != nil {
		t.Fatal(err)
	}
	runMonitor(t, m)

	select {
	case f := <-rec.ch:
		if f.id != "late" || !f.at.Equal(past) {
			t.Errorf("fired %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("past deadline did not fire")
	}
}

func TestMonitor_ArmWakesSweep(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	m := NewMonitor(rec.fire, nil)
	if err := m.Arm("far", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	runMonitor(t, m)

	if err := m.Arm("near", time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-rec.ch:
		if f.id != "near" {
			t.Errorf("fired %q, want near", f.id)
		}
	case <-time.After(time.Second):
		t.Fatal("near deadline did not fire")
	}
}

func TestMonitor_Drain(t *testing.T) {
	t.Parallel()

	m := NewMonitor(func(string, time.Time) {}, nil)
	for _, id := range []string{"a", "b"} {
		if err := m.Arm(id, time.Now().Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	if ids := m.Drain(); len(ids) != 2 {
		t.Errorf("Drain = %v, want 2 ids", ids)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after Drain", m.Len())
	}
	if err := m.Arm("a", time.Now()); err != nil {
		t.Errorf("Arm after Drain: %v", err)
	}
}
