package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
)

// TraceRepository stores decision traces. Each row keeps the full trace
// as JSON next to the columns Scan filters on.
type TraceRepository struct {
	db *sql.DB
}

var _ contextgraph.Repository = (*TraceRepository)(nil)

func (r *TraceRepository) Append(ctx context.Context, t contextgraph.DecisionTrace) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trace %s: %w", t.TraceID, err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM decision_traces WHERE trace_id = ?`, t.TraceID).Scan(&exists)
	if err == nil {
		return contextgraph.ErrDuplicateTrace
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking trace %s: %w", t.TraceID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decision_traces(trace_id, project_id, decision_type, decision, outcome, ts, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.ProjectID, t.DecisionType, t.Decision, t.Outcome, t.Timestamp.UnixNano(), string(body)); err != nil {
		return fmt.Errorf("inserting trace %s: %w", t.TraceID, err)
	}
	for _, tag := range uniqueTags(t.Tags) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trace_tags(trace_id, tag) VALUES (?, ?)`, t.TraceID, tag); err != nil {
			return fmt.Errorf("tagging trace %s: %w", t.TraceID, err)
		}
	}
	return tx.Commit()
}

func (r *TraceRepository) Get(ctx context.Context, traceID string) (contextgraph.DecisionTrace, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM decision_traces WHERE trace_id = ?`, traceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return contextgraph.DecisionTrace{}, &contextgraph.NotFoundError{TraceID: traceID}
	}
	if err != nil {
		return contextgraph.DecisionTrace{}, fmt.Errorf("reading trace %s: %w", traceID, err)
	}
	return decodeTrace(body)
}

// UpdateOutcome rewrites only the outcome fields and corrections of the
// stored trace.
func (r *TraceRepository) UpdateOutcome(ctx context.Context, t contextgraph.DecisionTrace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM decision_traces WHERE trace_id = ?`, t.TraceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return &contextgraph.NotFoundError{TraceID: t.TraceID}
	}
	if err != nil {
		return fmt.Errorf("reading trace %s: %w", t.TraceID, err)
	}
	cur, err := decodeTrace(body)
	if err != nil {
		return err
	}
	cur.Outcome = t.Outcome
	cur.OutcomeScore = t.OutcomeScore
	cur.OutcomeNotes = t.OutcomeNotes
	cur.OutcomeAt = t.OutcomeAt
	cur.Corrections = t.Corrections

	updated, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encoding trace %s: %w", t.TraceID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE decision_traces SET outcome = ?, body = ? WHERE trace_id = ?`,
		cur.Outcome, string(updated), t.TraceID); err != nil {
		return fmt.Errorf("updating trace %s: %w", t.TraceID, err)
	}
	return tx.Commit()
}

// Scan filters in SQL on the indexed columns, then applies Match and
// Limit to the decoded traces.
func (r *TraceRepository) Scan(ctx context.Context, f contextgraph.Filter) ([]contextgraph.DecisionTrace, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.DecisionType != "" {
		where = append(where, "decision_type = ?")
		args = append(args, f.DecisionType)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if tags := uniqueTags(f.Tags); len(tags) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM trace_tags tt WHERE tt.trace_id = decision_traces.trace_id AND tt.tag IN (%s))",
			placeholders(len(tags))))
		for _, tag := range tags {
			args = append(args, tag)
		}
	}

	q := "SELECT body FROM decision_traces"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts, rowid"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning traces: %w", err)
	}
	defer rows.Close()

	out := make([]contextgraph.DecisionTrace, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTrace(body)
		if err != nil {
			return nil, err
		}
		if f.Match != nil && !f.Match(t) {
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func decodeTrace(body string) (contextgraph.DecisionTrace, error) {
	var t contextgraph.DecisionTrace
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return contextgraph.DecisionTrace{}, fmt.Errorf("decoding trace: %w", err)
	}
	return t, nil
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
