// Package maildir implements durable per-endpoint mailboxes with an
// atomic-rename lifecycle: tmp -> new -> cur -> complete|failed.
//
// Every transition is a POSIX rename, so a crash at any point leaves
// either a complete envelope in the next directory or a sweepable
// scratch file in tmp/. Claiming relies on rename atomicity for
// exactly-one-winner semantics; no in-process locks are needed.
package maildir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zjrosen/strand/internal/relay/envelope"
)

// Dir names a mailbox subdirectory.
type Dir string

const (
	DirTmp    Dir = "tmp"
	DirNew    Dir = "new"
	DirCur    Dir = "cur"
	DirFailed Dir = "failed"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	envExt    = ".json"
	reasonExt = ".reason.json"
)

// ErrClaimLost marks a claim race lost to a concurrent claimer.
var ErrClaimLost = errors.New("claim failed: message already claimed")

// Store manages mailbox directory trees under a single root
// (<dataDir>/mailboxes). One mailbox per endpoint hash.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating the root if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create maildir root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the mailboxes root directory.
func (s *Store) Root() string { return s.root }

// MailboxPath returns the directory for an endpoint hash.
func (s *Store) MailboxPath(hash string) string {
	return filepath.Join(s.root, hash)
}

// DirPath returns a mailbox subdirectory path.
func (s *Store) DirPath(hash string, dir Dir) string {
	return filepath.Join(s.root, hash, string(dir))
}

// EnsureMailbox creates the four lifecycle subdirectories with
// owner-only permissions. Idempotent.
func (s *Store) EnsureMailbox(hash string) error {
	for _, d := range []Dir{DirTmp, DirNew, DirCur, DirFailed} {
		if err := os.MkdirAll(s.DirPath(hash, d), dirPerm); err != nil {
			return fmt.Errorf("create mailbox dir %s/%s: %w", hash, d, err)
		}
	}
	return nil
}

// RemoveMailbox deletes the whole mailbox tree. Deletion cascades to
// every envelope and sidecar inside.
func (s *Store) RemoveMailbox(hash string) error {
	return os.RemoveAll(s.MailboxPath(hash))
}

// Hashes lists the endpoint hashes that have a mailbox on disk.
func (s *Store) Hashes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan mailboxes: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// Deliver writes an envelope durably into new/ and returns the
// per-delivery name (a fresh ULID, distinct from the envelope ID so
// fan-out to several endpoints yields distinct filenames).
//
// Protocol: exclusive-create in tmp/, then rename into new/. A crash
// before the rename leaves only a tmp scratch file.
func (s *Store) Deliver(hash string, env envelope.Envelope) (string, error) {
	name := envelope.NewID()
	data, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	tmpPath := filepath.Join(s.DirPath(hash, DirTmp), name+envExt)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return "", fmt.Errorf("create tmp envelope: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath) // best-effort cleanup
		return "", fmt.Errorf("write tmp envelope: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close tmp envelope: %w", err)
	}

	newPath := filepath.Join(s.DirPath(hash, DirNew), name+envExt)
	if err := os.Rename(tmpPath, newPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit envelope to new: %w", err)
	}
	return name, nil
}

// Claim atomically moves new/<name>.json to cur/ and parses it.
// Exactly one concurrent claimer wins; losers get ErrClaimLost.
func (s *Store) Claim(hash, name string) (envelope.Envelope, error) {
	src := filepath.Join(s.DirPath(hash, DirNew), name+envExt)
	dst := filepath.Join(s.DirPath(hash, DirCur), name+envExt)
	if err := os.Rename(src, dst); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %s", ErrClaimLost, name)
	}

	data, err := os.ReadFile(dst) //nolint:gosec // path derived from validated hash + ULID
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("read claimed envelope: %w", err)
	}
	env, err := envelope.Unmarshal(data)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("parse claimed envelope %s: %w", name, err)
	}
	return env, nil
}

// Complete removes a claimed envelope. The delivery is done.
func (s *Store) Complete(hash, name string) error {
	if err := os.Remove(filepath.Join(s.DirPath(hash, DirCur), name+envExt)); err != nil {
		return fmt.Errorf("complete envelope: %w", err)
	}
	return nil
}

// Fail moves a claimed envelope into failed/ and writes the dead-letter
// sidecar next to it.
func (s *Store) Fail(hash, name, reason string) error {
	src := filepath.Join(s.DirPath(hash, DirCur), name+envExt)
	dst := filepath.Join(s.DirPath(hash, DirFailed), name+envExt)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move envelope to failed: %w", err)
	}

	data, err := os.ReadFile(dst) //nolint:gosec // path derived from validated hash + ULID
	if err != nil {
		return fmt.Errorf("read failed envelope: %w", err)
	}
	env, err := envelope.Unmarshal(data)
	if err != nil {
		// Sidecar still records the failure even if the envelope is garbled.
		env = envelope.Envelope{ID: name}
	}
	return s.writeSidecar(hash, name, env, reason)
}

// FailDirect writes an envelope straight into failed/ with its sidecar,
// bypassing the mailbox. Used for pre-mailbox rejections (budget, rate
// limit, breaker, backpressure, access).
func (s *Store) FailDirect(hash string, env envelope.Envelope, reason string) (string, error) {
	name := envelope.NewID()
	data, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	path := filepath.Join(s.DirPath(hash, DirFailed), name+envExt)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return "", fmt.Errorf("write dead letter: %w", err)
	}
	if err := s.writeSidecar(hash, name, env, reason); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) writeSidecar(hash, name string, env envelope.Envelope, reason string) error {
	dl := envelope.DeadLetter{
		Envelope:     env,
		Reason:       reason,
		FailedAt:     time.Now().UTC(),
		EndpointHash: hash,
	}
	data, err := dl.Marshal()
	if err != nil {
		return fmt.Errorf("marshal dead letter sidecar: %w", err)
	}
	path := filepath.Join(s.DirPath(hash, DirFailed), name+reasonExt)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write dead letter sidecar: %w", err)
	}
	return nil
}

// List returns envelope names (no extension) in a subdirectory, sorted
// ascending. ULID names sort by creation time. Sidecars are excluded.
// A missing directory yields an empty list, not an error.
func (s *Store) List(hash string, dir Dir) ([]string, error) {
	entries, err := os.ReadDir(s.DirPath(hash, dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", hash, dir, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, reasonExt) || !strings.HasSuffix(n, envExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, envExt))
	}
	sort.Strings(names)
	return names, nil
}

// Read parses an envelope from a subdirectory without moving it.
func (s *Store) Read(hash string, dir Dir, name string) (envelope.Envelope, error) {
	data, err := os.ReadFile(filepath.Join(s.DirPath(hash, dir), name+envExt)) //nolint:gosec // path derived from validated hash + ULID
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("read envelope: %w", err)
	}
	return envelope.Unmarshal(data)
}

// ReadSidecar parses the dead-letter sidecar for a failed envelope.
func (s *Store) ReadSidecar(hash, name string) (envelope.DeadLetter, error) {
	data, err := os.ReadFile(filepath.Join(s.DirPath(hash, DirFailed), name+reasonExt)) //nolint:gosec // path derived from validated hash + ULID
	if err != nil {
		return envelope.DeadLetter{}, fmt.Errorf("read sidecar: %w", err)
	}
	return envelope.UnmarshalDeadLetter(data)
}

// RemoveFailed deletes a failed envelope and its sidecar.
func (s *Store) RemoveFailed(hash, name string) error {
	if err := os.Remove(filepath.Join(s.DirPath(hash, DirFailed), name+envExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove failed envelope: %w", err)
	}
	if err := os.Remove(filepath.Join(s.DirPath(hash, DirFailed), name+reasonExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove failed sidecar: %w", err)
	}
	return nil
}

// SweepTmp removes scratch files older than maxAge left behind by
// crashed deliveries. Returns the number of files removed.
func (s *Store) SweepTmp(hash string, maxAge time.Duration) (int, error) {
	dir := s.DirPath(hash, DirTmp)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list tmp: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
