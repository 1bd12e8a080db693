package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/herald/internal/workflow/pgstore.(*Store).Put", "(*Store).Put"},
		{"already short", "(*Store).Put", "Put"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Admit", "(*Store).Admit"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContextLabels(t *testing.T) {
	t.Parallel()

	ctx := WithOperation(WithOrigin(context.Background(), "engine"), "records.put")
	if got := labelFromContext(ctx, ctxKeyOrigin, "unknown"); got != "engine" {
		t.Errorf("origin = %q, want engine", got)
	}
	if got := labelFromContext(ctx, ctxKeyOperation, "unknown"); got != "records.put" {
		t.Errorf("operation = %q, want records.put", got)
	}

	bare := WithOrigin(context.Background(), "")
	if got := labelFromContext(bare, ctxKeyOrigin, "unknown"); got != "unknown" {
		t.Errorf("empty origin = %q, want default", got)
	}
}

// The observer is process-global, so every observer assertion lives in one test.
func TestQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	type obs struct{ origin, operation, outcome string }
	var (
		mu  sync.Mutex
		got []obs
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, origin, operation, outcome string, _ time.Duration) {
		mu.Lock()
		got = append(got, obs{origin, operation, outcome})
		mu.Unlock()
	}))

	tr := wrapQueryTracer(nil)
	ctx := WithOperation(WithOrigin(context.Background(), "engine"), "admissions.admit")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("syntax error")})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0] != (obs{"engine", "admissions.admit", "ok"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1] != (obs{"background", "unknown", "error"}) {
		t.Errorf("second = %+v", got[1])
	}

	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("expected nil observer after Set(nil)")
	}
}

func TestSetSlowQueryThreshold(t *testing.T) {
	defer SetSlowQueryThreshold(DefaultSlowQueryThreshold)

	SetSlowQueryThreshold(-time.Second)
	if got := time.Duration(slowQuery.Load()); got != 0 {
		t.Errorf("threshold = %v, want 0 for negative input", got)
	}
	SetSlowQueryThreshold(time.Second)
	if got := time.Duration(slowQuery.Load()); got != time.Second {
		t.Errorf("threshold = %v, want 1s", got)
	}
}
