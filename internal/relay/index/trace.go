package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trace span statuses for a single delivery.
const (
	SpanPending      = "pending"
	SpanDelivered    = "delivered"
	SpanProcessed    = "processed"
	SpanFailed       = "failed"
	SpanDeadLettered = "dead_lettered"
)

// Span records one delivery of one logical message. Spans of a fan-out
// share TraceID. Timestamps are epoch-ms in the DB.
type Span struct {
	MessageID            string
	TraceID              string
	SpanID               string
	ParentSpanID         string
	Subject              string
	FromEndpoint         string
	ToEndpoint           string
	Status               string
	BudgetHopsUsed       int
	BudgetTTLRemainingMs int64
	SentAt               time.Time
	DeliveredAt          *time.Time
	ProcessedAt          *time.Time
	Error                string
}

const spanColumns = `message_id, trace_id, span_id, parent_span_id, subject, from_endpoint, to_endpoint,
	status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error`

// InsertSpan records a new delivery span, typically status=pending.
func (ix *Index) InsertSpan(s Span) error {
	_, err := ix.db.Exec(
		`INSERT OR REPLACE INTO message_traces (`+spanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.MessageID, s.TraceID, s.SpanID, nullString(s.ParentSpanID), s.Subject, s.FromEndpoint, s.ToEndpoint,
		s.Status, s.BudgetHopsUsed, s.BudgetTTLRemainingMs, s.SentAt.UnixMilli(),
		nullMilli(s.DeliveredAt), nullMilli(s.ProcessedAt), nullString(s.Error),
	)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	return nil
}

// MarkDelivered stamps delivered_at and moves the span to delivered.
func (ix *Index) MarkDelivered(messageID string, at time.Time) error {
	return ix.updateSpan(messageID, SpanDelivered, `delivered_at = ?`, at.UnixMilli())
}

// MarkProcessed stamps processed_at and moves the span to processed.
func (ix *Index) MarkProcessed(messageID string, at time.Time) error {
	return ix.updateSpan(messageID, SpanProcessed, `processed_at = ?`, at.UnixMilli())
}

// MarkFailed records the failure reason on the span.
func (ix *Index) MarkFailed(messageID, status, errMsg string, at time.Time) error {
	res, err := ix.db.Exec(
		`UPDATE message_traces SET status = ?, processed_at = ?, error = ? WHERE message_id = ?`,
		status, at.UnixMilli(), errMsg, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark span failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ix *Index) updateSpan(messageID, status, setClause string, ts int64) error {
	res, err := ix.db.Exec(
		`UPDATE message_traces SET status = ?, `+setClause+` WHERE message_id = ?`,
		status, ts, messageID,
	)
	if err != nil {
		return fmt.Errorf("update span: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSpan fetches one span by per-delivery message id.
func (ix *Index) GetSpan(messageID string) (Span, error) {
	row := ix.db.QueryRow(`SELECT `+spanColumns+` FROM message_traces WHERE message_id = ?`, messageID)
	s, err := scanSpan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Span{}, ErrNotFound
	}
	if err != nil {
		return Span{}, fmt.Errorf("get span: %w", err)
	}
	return s, nil
}

// SpansByTrace returns every delivery span of one logical message.
func (ix *Index) SpansByTrace(traceID string) ([]Span, error) {
	rows, err := ix.db.Query(
		`SELECT `+spanColumns+` FROM message_traces WHERE trace_id = ? ORDER BY sent_at, span_id`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("spans by trace: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var spans []Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		spans = append(spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

func scanSpan(scanner interface{ Scan(...any) error }) (Span, error) {
	var s Span
	var parent, errMsg sql.NullString
	var sentAt int64
	var deliveredAt, processedAt sql.NullInt64
	err := scanner.Scan(
		&s.MessageID, &s.TraceID, &s.SpanID, &parent, &s.Subject, &s.FromEndpoint, &s.ToEndpoint,
		&s.Status, &s.BudgetHopsUsed, &s.BudgetTTLRemainingMs, &sentAt, &deliveredAt, &processedAt, &errMsg,
	)
	if err != nil {
		return Span{}, err
	}
	s.ParentSpanID = parent.String
	s.Error = errMsg.String
	s.SentAt = time.UnixMilli(sentAt)
	if deliveredAt.Valid {
		t := time.UnixMilli(deliveredAt.Int64)
		s.DeliveredAt = &t
	}
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		s.ProcessedAt = &t
	}
	return s, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
