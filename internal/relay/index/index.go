package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/strand/internal/relay/maildir"
)

// Message statuses mirror the maildir subdirectory the file lives in,
// plus the terminal "processed" once a delivery completes.
const (
	StatusNew       = "new"
	StatusCur       = "cur"
	StatusFailed    = "failed"
	StatusProcessed = "processed"
)

// ErrNotFound is returned when a message row does not exist.
var ErrNotFound = errors.New("message not found")

// Message is an indexed delivery row. ID is the per-delivery maildir
// filename, not the envelope id: fan-out creates one row per endpoint.
type Message struct {
	ID           string
	Subject      string
	Sender       string
	EndpointHash string
	Status       string
	CreatedAt    time.Time
	TTL          int64 // epoch ms
}

const messageColumns = `id, subject, sender, endpoint_hash, status, created_at, ttl`

func scanMessage(scanner interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var createdAt int64
	err := scanner.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &createdAt, &m.TTL)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return m, nil
}

// InsertMessage upserts a delivery row. Indexing is idempotent.
func (ix *Index) InsertMessage(m Message) error {
	_, err := ix.db.Exec(
		`INSERT OR REPLACE INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Subject, m.Sender, m.EndpointHash, m.Status, m.CreatedAt.UnixMilli(), m.TTL,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateStatus moves a row through the delivery lifecycle.
func (ix *Index) UpdateStatus(id, status string) error {
	res, err := ix.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage fetches one row by per-delivery id.
func (ix *Index) GetMessage(id string) (Message, error) {
	row := ix.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Subject      string
	EndpointHash string
	Sender       string
	Status       string
	Limit        int
}

// List queries messages newest-first with optional filters.
func (ix *Index) List(f Filter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any
	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.EndpointHash != "" {
		query += ` AND endpoint_hash = ?`
		args = append(args, f.EndpointHash)
	}
	if f.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, f.Sender)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// BySubject returns messages for an exact subject.
func (ix *Index) BySubject(subj string, limit int) ([]Message, error) {
	return ix.List(Filter{Subject: subj, Limit: limit})
}

// ByEndpoint returns messages delivered to one endpoint.
func (ix *Index) ByEndpoint(hash string, limit int) ([]Message, error) {
	return ix.List(Filter{EndpointHash: hash, Limit: limit})
}

// CountBySender counts messages authored by sender since the cutoff.
// Feeds the sliding-window rate limiter.
func (ix *Index) CountBySender(sender string, since time.Time) (int, error) {
	var n int
	err := ix.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at >= ?`,
		sender, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by sender: %w", err)
	}
	return n, nil
}

// CountByEndpointStatus counts an endpoint's rows in one status.
// Feeds the backpressure gate with the current new/ depth.
func (ix *Index) CountByEndpointStatus(hash, status string) (int, error) {
	var n int
	err := ix.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE endpoint_hash = ? AND status = ?`,
		hash, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by endpoint status: %w", err)
	}
	return n, nil
}

// DeleteExpired removes rows whose TTL is in the past.
func (ix *Index) DeleteExpired(now time.Time) (int64, error) {
	res, err := ix.db.Exec(`DELETE FROM messages WHERE ttl < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired rows affected: %w", err)
	}
	return n, nil
}

// Rebuild drops all message rows and rescans every endpoint's
// subdirectories. Row ids come from the per-delivery maildir filenames,
// so a rebuild of an unchanged tree yields an identical row set.
func (ix *Index) Rebuild(store *maildir.Store, hashes []string) error {
	if _, err := ix.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, hash := range hashes {
		for _, dir := range []maildir.Dir{maildir.DirNew, maildir.DirCur, maildir.DirFailed} {
			names, err := store.List(hash, dir)
			if err != nil {
				return fmt.Errorf("rescan %s/%s: %w", hash, dir, err)
			}
			for _, name := range names {
				env, err := store.Read(hash, dir, name)
				if err != nil {
					// Unparseable file: skip, the filesystem stays authoritative.
					continue
				}
				m := Message{
					ID:           name,
					Subject:      env.Subject,
					Sender:       env.From,
					EndpointHash: hash,
					Status:       string(dir),
					CreatedAt:    env.CreatedAt,
					TTL:          env.Budget.TTL,
				}
				if err := ix.InsertMessage(m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
