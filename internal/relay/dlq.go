package relay

import (
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/maildir"
)

// DeadLetterEntry pairs a failed envelope file with its sidecar.
type DeadLetterEntry struct {
	EndpointHash string
	Name         string
	DeadLetter   envelope.DeadLetter
}

// DLQFilter narrows dead letter queries. Zero values mean "any".
type DLQFilter struct {
	EndpointHash string
	// OlderThan keeps only entries that failed before the cutoff.
	OlderThan time.Time
}

// DeadLetters walks failed/ under each endpoint and returns entries
// with parsed sidecars. Files without a readable sidecar are skipped
// with a warning: the envelope is still on disk for manual inspection.
func (c *Core) DeadLetters(f DLQFilter) ([]DeadLetterEntry, error) {
	var entries []DeadLetterEntry
	for _, hash := range c.dlqHashes(f) {
		names, err := c.store.List(hash, maildir.DirFailed)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			dl, err := c.store.ReadSidecar(hash, name)
			if err != nil {
				log.Warn(log.CatMaildir, "unreadable dead letter sidecar", "hash", hash, "name", name)
				continue
			}
			if !f.OlderThan.IsZero() && !dl.FailedAt.Before(f.OlderThan) {
				continue
			}
			entries = append(entries, DeadLetterEntry{EndpointHash: hash, Name: name, DeadLetter: dl})
		}
	}
	return entries, nil
}

// PurgeDeadLetters removes matching failed files and their sidecars,
// returning how many envelopes were deleted.
func (c *Core) PurgeDeadLetters(f DLQFilter) (int, error) {
	entries, err := c.DeadLetters(f)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, e := range entries {
		if err := c.store.RemoveFailed(e.EndpointHash, e.Name); err != nil {
			log.ErrorErr(log.CatMaildir, "purge dead letter", err, "name", e.Name)
			continue
		}
		purged++
	}
	log.Info(log.CatRelay, "dead letter purge", "count", purged)
	return purged, nil
}

func (c *Core) dlqHashes(f DLQFilter) []string {
	if f.EndpointHash != "" {
		return []string{f.EndpointHash}
	}
	hashes, err := c.store.Hashes()
	if err != nil {
		log.ErrorErr(log.CatMaildir, "list mailboxes", err)
		return nil
	}
	return hashes
}
