package index

import (
	"database/sql"
	"errors"
	"fmt"
)

// SubjectCount is a per-subject message tally.
type SubjectCount struct {
	Subject string
	Count   int
}

// Metrics is the aggregate view of the index.
type Metrics struct {
	TotalMessages   int
	ByStatus        map[string]int
	BySubject       []SubjectCount
	DeliveryAvgMs   float64
	DeliveryMaxMs   float64
	DeliveryP95Ms   float64
	ActiveEndpoints int
}

// Metrics computes totals, per-status and per-subject counts, delivery
// latency stats from trace spans (delivered_at - sent_at), and the
// active endpoint count. The p95 is approximate: the value at offset
// COUNT*0.95 of the sorted latencies.
func (ix *Index) Metrics() (Metrics, error) {
	m := Metrics{ByStatus: make(map[string]int)}

	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages); err != nil {
		return m, fmt.Errorf("count messages: %w", err)
	}

	rows, err := ix.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return m, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return m, fmt.Errorf("scan status count: %w", err)
		}
		m.ByStatus[status] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return m, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = ix.db.Query(`SELECT subject, COUNT(*) AS n FROM messages GROUP BY subject ORDER BY n DESC`)
	if err != nil {
		return m, fmt.Errorf("count by subject: %w", err)
	}
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			_ = rows.Close()
			return m, fmt.Errorf("scan subject count: %w", err)
		}
		m.BySubject = append(m.BySubject, sc)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return m, fmt.Errorf("iterate subject counts: %w", err)
	}

	var avg, max *float64
	err = ix.db.QueryRow(
		`SELECT AVG(delivered_at - sent_at), MAX(delivered_at - sent_at)
		 FROM message_traces WHERE delivered_at IS NOT NULL`,
	).Scan(&avg, &max)
	if err != nil {
		return m, fmt.Errorf("latency stats: %w", err)
	}
	if avg != nil {
		m.DeliveryAvgMs = *avg
	}
	if max != nil {
		m.DeliveryMaxMs = *max
	}

	var p95 *float64
	err = ix.db.QueryRow(
		`SELECT delivered_at - sent_at FROM message_traces
		 WHERE delivered_at IS NOT NULL
		 ORDER BY delivered_at - sent_at
		 LIMIT 1 OFFSET CAST((SELECT COUNT(*) FROM message_traces WHERE delivered_at IS NOT NULL) * 0.95 AS INT)`,
	).Scan(&p95)
	switch {
	case err == nil && p95 != nil:
		m.DeliveryP95Ms = *p95
	case errors.Is(err, sql.ErrNoRows):
		// OFFSET past the end: fewer than 20 samples, fall back to max.
		m.DeliveryP95Ms = m.DeliveryMaxMs
	case err != nil:
		return m, fmt.Errorf("latency p95: %w", err)
	}

	if err := ix.db.QueryRow(`SELECT COUNT(DISTINCT endpoint_hash) FROM messages`).Scan(&m.ActiveEndpoints); err != nil {
		return m, fmt.Errorf("count endpoints: %w", err)
	}
	return m, nil
}
