package maildir

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/envelope"
)

const hash = "abc123def456"

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "mailboxes"))
	require.NoError(t, err)
	require.NoError(t, s.EnsureMailbox(hash))
	return s
}

func testEnvelope() envelope.Envelope {
	return envelope.New("relay.agent.s1", "relay.human.cli", "", "hi", budget.Default(time.Now()))
}

func TestEnsureMailboxPermissions(t *testing.T) {
	s := newStore(t)
	for _, d := range []Dir{DirTmp, DirNew, DirCur, DirFailed} {
		info, err := os.Stat(s.DirPath(hash, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	s := newStore(t)
	env := testEnvelope()

	name, err := s.Deliver(hash, env)
	require.NoError(t, err)
	require.NotEmpty(t, name)
	assert.NotEqual(t, env.ID, name, "per-delivery name is distinct from envelope id")

	// File landed in new/ with owner-only perms, tmp is empty.
	info, err := os.Stat(filepath.Join(s.DirPath(hash, DirNew), name+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tmpFiles, err := os.ReadDir(s.DirPath(hash, DirTmp))
	require.NoError(t, err)
	assert.Empty(t, tmpFiles)

	got, err := s.Claim(hash, name)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Subject, got.Subject)
	assert.Equal(t, env.Budget, got.Budget)
	assert.Equal(t, "hi", got.Payload)
}

func TestClaimExactlyOneWinner(t *testing.T) {
	s := newStore(t)
	name, err := s.Deliver(hash, testEnvelope())
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Claim(hash, name)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorContains(t, err, "claim failed")
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCompleteRemovesEnvelope(t *testing.T) {
	s := newStore(t)
	name, _ := s.Deliver(hash, testEnvelope())
	_, err := s.Claim(hash, name)
	require.NoError(t, err)

	require.NoError(t, s.Complete(hash, name))

	cur, err := s.List(hash, DirCur)
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestFailWritesSidecar(t *testing.T) {
	s := newStore(t)
	env := testEnvelope()
	name, _ := s.Deliver(hash, env)
	_, err := s.Claim(hash, name)
	require.NoError(t, err)

	require.NoError(t, s.Fail(hash, name, "handler exploded"))

	failed, err := s.List(hash, DirFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, failed, "sidecar excluded from listing")

	dl, err := s.ReadSidecar(hash, name)
	require.NoError(t, err)
	assert.Equal(t, "handler exploded", dl.Reason)
	assert.Equal(t, hash, dl.EndpointHash)
	assert.Equal(t, env.ID, dl.Envelope.ID)
	assert.False(t, dl.FailedAt.IsZero())
}

func TestFailDirect(t *testing.T) {
	s := newStore(t)
	env := testEnvelope()

	name, err := s.FailDirect(hash, env, "cycle detected")
	require.NoError(t, err)

	newer, err := s.List(hash, DirNew)
	require.NoError(t, err)
	assert.Empty(t, newer, "direct fail bypasses new/")

	dl, err := s.ReadSidecar(hash, name)
	require.NoError(t, err)
	assert.Equal(t, "cycle detected", dl.Reason)
}

func TestListSortedAndMissingDir(t *testing.T) {
	s := newStore(t)
	var names []string
	for i := 0; i < 5; i++ {
		n, err := s.Deliver(hash, testEnvelope())
		require.NoError(t, err)
		names = append(names, n)
	}

	listed, err := s.List(hash, DirNew)
	require.NoError(t, err)
	assert.Equal(t, names, listed, "ULID delivery order is listing order")

	// A mailbox that never existed lists as empty.
	missing, err := s.List("feedfacecafe", DirNew)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRemoveMailboxCascades(t *testing.T) {
	s := newStore(t)
	_, err := s.Deliver(hash, testEnvelope())
	require.NoError(t, err)

	require.NoError(t, s.RemoveMailbox(hash))
	_, err = os.Stat(s.MailboxPath(hash))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveFailed(t *testing.T) {
	s := newStore(t)
	name, err := s.FailDirect(hash, testEnvelope(), "rate limited")
	require.NoError(t, err)

	require.NoError(t, s.RemoveFailed(hash, name))
	failed, err := s.List(hash, DirFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// Removing twice is fine.
	require.NoError(t, s.RemoveFailed(hash, name))
}

func TestSweepTmp(t *testing.T) {
	s := newStore(t)
	stale := filepath.Join(s.DirPath(hash, DirTmp), "stale.json")
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(s.DirPath(hash, DirTmp), "fresh.json")
	require.NoError(t, os.WriteFile(fresh, []byte("{"), 0o600))

	removed, err := s.SweepTmp(hash, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestHashes(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.EnsureMailbox("deadbeef0123"))

	hashes, err := s.Hashes()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hash, "deadbeef0123"}, hashes)
}
