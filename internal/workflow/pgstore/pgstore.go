// Package pgstore provides a PostgreSQL implementation of workflow.Store and
// workflow.Admitter.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/herald/internal/postgres"
	"github.com/linnemanlabs/herald/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists workflow records and admitted message ids in PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
	now       func() time.Time
}

// New applies the schema on pool and returns a ready Store. Admitted ids
// older than retention may be admitted again; zero keeps them forever.
func New(ctx context.Context, pool *pgxpool.Pool, retention time.Duration) (*Store, error) {
	if _, err := pool.Exec(postgres.WithOperation(ctx, "schema.apply"), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, retention: retention, now: time.Now}, nil
}

const recordColumns = `message_id, sender, subject, body, received_at, status, urgency_score, route,
	draft_text, approval_handle, deadline, response_text, decided_by, outcome_kind, outcome_reason,
	send_attempts, send_attempted_at, send_confirmed_at, created_at, updated_at, completed_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx = postgres.WithOperation(ctx, name)
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a record and its history by message ID.
func (s *Store) Get(ctx context.Context, id string) (*workflow.Record, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM workflow_records WHERE message_id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, spanError(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	if err := s.loadHistory(ctx, []*workflow.Record{r}); err != nil {
		return nil, false, spanError(span, err)
	}
	return r, true, nil
}

// Put upserts the record and appends any history entries not yet stored.
func (s *Store) Put(ctx context.Context, r *workflow.Record) error {
	ctx, span := startSpan(ctx, "Put", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("herald.message_id", r.MessageID),
		attribute.String("herald.status", string(r.Status)),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanError(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertRecord(ctx, tx, r); err != nil {
		return spanError(span, err)
	}
	if err := appendHistory(ctx, tx, r); err != nil {
		return spanError(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return spanError(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListActive returns every non-terminal record, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*workflow.Record, error) {
	ctx, span := startSpan(ctx, "ListActive", "SELECT")
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM workflow_records
		WHERE completed_at IS NULL ORDER BY created_at`
	out, err := s.queryRecords(ctx, query)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int("herald.records", len(out)))
	return out, nil
}

// List returns the most recent records, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Record, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM workflow_records
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2`
	out, err := s.queryRecords(ctx, query, string(status), limit)
	if err != nil {
		return nil, spanError(span, err)
	}
	return out, nil
}

// Admit inserts id into admitted_messages. It reports false when the id is
// already present and still within the retention window.
func (s *Store) Admit(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "Admit", "INSERT")
	defer span.End()

	now := s.now()
	// With no retention the cutoff is the zero time, so existing rows never qualify.
	var cutoff time.Time
	if s.retention > 0 {
		cutoff = now.Add(-s.retention)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO admitted_messages (message_id, admitted_at) VALUES ($1, $2)
		 ON CONFLICT (message_id) DO UPDATE SET admitted_at = EXCLUDED.admitted_at
		 WHERE admitted_messages.admitted_at < $3`,
		id, now, cutoff,
	)
	if err != nil {
		return false, spanError(span, fmt.Errorf("admit %s: %w", id, err))
	}
	admitted := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("herald.admitted", admitted))
	return admitted, nil
}

// Prune deletes admissions older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "Prune", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM admitted_messages WHERE admitted_at < $1`, before)
	if err != nil {
		return 0, spanError(span, fmt.Errorf("prune admissions: %w", err))
	}
	return tag.RowsAffected(), nil
}

func upsertRecord(ctx context.Context, tx pgx.Tx, r *workflow.Record) error {
	var outcomeKind *string
	var outcomeReason string
	if r.Outcome != nil {
		k := string(r.Outcome.Kind)
		outcomeKind = &k
		outcomeReason = r.Outcome.Reason
	}

	query := `INSERT INTO workflow_records (` + recordColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	ON CONFLICT (message_id) DO UPDATE SET
		status            = EXCLUDED.status,
		urgency_score     = EXCLUDED.urgency_score,
		route             = EXCLUDED.route,
		draft_text        = EXCLUDED.draft_text,
		approval_handle   = EXCLUDED.approval_handle,
		deadline          = EXCLUDED.deadline,
		response_text     = EXCLUDED.response_text,
		decided_by        = EXCLUDED.decided_by,
		outcome_kind      = EXCLUDED.outcome_kind,
		outcome_reason    = EXCLUDED.outcome_reason,
		send_attempts     = EXCLUDED.send_attempts,
		send_attempted_at = EXCLUDED.send_attempted_at,
		send_confirmed_at = EXCLUDED.send_confirmed_at,
		updated_at        = EXCLUDED.updated_at,
		completed_at      = EXCLUDED.completed_at`

	_, err := tx.Exec(ctx, query,
		r.MessageID, r.Message.Sender, r.Message.Subject, r.Message.Body, r.Message.ReceivedAt,
		string(r.Status), r.UrgencyScore, string(r.Route), r.DraftText, r.ApprovalHandle,
		nullTime(r.Deadline), r.ResponseText, r.DecidedBy, outcomeKind, outcomeReason,
		r.SendAttempts, nullTime(r.SendAttemptedAt), nullTime(r.SendConfirmedAt),
		r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// appendHistory writes history entries by position; entries already stored
// are left untouched since history is append-only.
func appendHistory(ctx context.Context, tx pgx.Tx, r *workflow.Record) error {
	batch := &pgx.Batch{}
	for i, h := range r.History {
		batch.Queue(
			`INSERT INTO workflow_history (message_id, seq, at, from_status, to_status, note)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (message_id, seq) DO NOTHING`,
			r.MessageID, i, h.At, string(h.From), string(h.To), h.Note,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*workflow.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if err := s.loadHistory(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadHistory fills History on every record with one query.
func (s *Store) loadHistory(ctx context.Context, recs []*workflow.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[string]*workflow.Record, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		byID[r.MessageID] = r
		ids = append(ids, r.MessageID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, at, from_status, to_status, note
		 FROM workflow_history WHERE message_id = ANY($1) ORDER BY message_id, seq`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			at       time.Time
			from, to string
			note     string
		)
		if err := rows.Scan(&id, &at, &from, &to, &note); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		if r := byID[id]; r != nil {
			r.History = append(r.History, workflow.Transition{
				At:   at,
				From: workflow.Status(from),
				To:   workflow.Status(to),
				Note: note,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate history: %w", err)
	}
	return nil
}

// scanRecord scans a single row into a workflow.Record (without history).
// Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*workflow.Record, error) {
	var (
		r                                      workflow.Record
		status, route                          string
		outcomeKind                            *string
		outcomeReason                          string
		deadline, attemptedAt, confirmedAt, ca *time.Time
	)

	err := row.Scan(
		&r.MessageID, &r.Message.Sender, &r.Message.Subject, &r.Message.Body, &r.Message.ReceivedAt,
		&status, &r.UrgencyScore, &route, &r.DraftText, &r.ApprovalHandle,
		&deadline, &r.ResponseText, &r.DecidedBy, &outcomeKind, &outcomeReason,
		&r.SendAttempts, &attemptedAt, &confirmedAt, &r.CreatedAt, &r.UpdatedAt, &ca,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Message.ID = r.MessageID
	r.Status = workflow.Status(status)
	r.Route = workflow.Route(route)
	if outcomeKind != nil {
		r.Outcome = &workflow.Outcome{Kind: workflow.OutcomeKind(*outcomeKind), Reason: outcomeReason}
	}
	r.Deadline = derefTime(deadline)
	r.SendAttemptedAt = derefTime(attemptedAt)
	r.SendConfirmedAt = derefTime(confirmedAt)
	r.CompletedAt = derefTime(ca)
	return &r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
