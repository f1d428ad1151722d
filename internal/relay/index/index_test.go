package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/maildir"
	"github.com/zjrosen/strand/internal/testutil"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(testutil.NewTestDB(t))
	require.NoError(t, err)
	return ix
}

func row(id, subj, sender, hash, status string, at time.Time) Message {
	return Message{
		ID: id, Subject: subj, Sender: sender, EndpointHash: hash,
		Status: status, CreatedAt: at, TTL: at.Add(time.Hour).UnixMilli(),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	ix, err := New(db)
	require.NoError(t, err)
	// A second wrap over the same connection re-runs migrate harmlessly.
	_, err = New(db)
	require.NoError(t, err)
	_ = ix
}

func TestInsertAndGet(t *testing.T) {
	ix := newIndex(t)
	now := time.Now().Truncate(time.Millisecond)
	m := row("01A", "relay.agent.s1", "relay.human.cli", "aaa", StatusNew, now)
	require.NoError(t, ix.InsertMessage(m))

	got, err := ix.GetMessage("01A")
	require.NoError(t, err)
	assert.Equal(t, m.Subject, got.Subject)
	assert.Equal(t, m.Sender, got.Sender)
	assert.Equal(t, StatusNew, got.Status)
	assert.Equal(t, now.UnixMilli(), got.CreatedAt.UnixMilli())

	// Upsert semantics: re-insert replaces.
	m.Status = StatusFailed
	require.NoError(t, ix.InsertMessage(m))
	got, err = ix.GetMessage("01A")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = ix.GetMessage("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.InsertMessage(row("01A", "a.b", "x", "aaa", StatusNew, time.Now())))

	require.NoError(t, ix.UpdateStatus("01A", StatusProcessed))
	got, err := ix.GetMessage("01A")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)

	assert.ErrorIs(t, ix.UpdateStatus("missing", StatusCur), ErrNotFound)
}

func TestListFilters(t *testing.T) {
	ix := newIndex(t)
	base := time.Now()
	require.NoError(t, ix.InsertMessage(row("01A", "a.b", "s1", "aaa", StatusNew, base)))
	require.NoError(t, ix.InsertMessage(row("01B", "a.c", "s1", "bbb", StatusFailed, base.Add(time.Second))))
	require.NoError(t, ix.InsertMessage(row("01C", "a.b", "s2", "aaa", StatusNew, base.Add(2*time.Second))))

	bySubj, err := ix.BySubject("a.b", 0)
	require.NoError(t, err)
	require.Len(t, bySubj, 2)
	assert.Equal(t, "01C", bySubj[0].ID, "newest first")

	byEp, err := ix.ByEndpoint("bbb", 0)
	require.NoError(t, err)
	require.Len(t, byEp, 1)
	assert.Equal(t, "01B", byEp[0].ID)

	limited, err := ix.List(Filter{Status: StatusNew, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	bySender, err := ix.List(Filter{Sender: "s2"})
	require.NoError(t, err)
	assert.Len(t, bySender, 1)
}

func TestCounts(t *testing.T) {
	ix := newIndex(t)
	now := time.Now()
	require.NoError(t, ix.InsertMessage(row("01A", "a.b", "s1", "aaa", StatusNew, now)))
	require.NoError(t, ix.InsertMessage(row("01B", "a.b", "s1", "aaa", StatusNew, now.Add(-2*time.Minute))))
	require.NoError(t, ix.InsertMessage(row("01C", "a.b", "s2", "aaa", StatusFailed, now)))

	n, err := ix.CountBySender("s1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "window excludes the older row")

	n, err = ix.CountByEndpointStatus("aaa", StatusNew)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeleteExpired(t *testing.T) {
	ix := newIndex(t)
	now := time.Now()
	expired := row("01A", "a.b", "s", "aaa", StatusNew, now.Add(-2*time.Hour))
	expired.TTL = now.Add(-time.Hour).UnixMilli()
	require.NoError(t, ix.InsertMessage(expired))
	require.NoError(t, ix.InsertMessage(row("01B", "a.b", "s", "aaa", StatusNew, now)))

	n, err := ix.DeleteExpired(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = ix.GetMessage("01A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildIdempotence(t *testing.T) {
	ix := newIndex(t)
	store, err := maildir.NewStore(filepath.Join(t.TempDir(), "mailboxes"))
	require.NoError(t, err)

	hashes := []string{"aaa111aaa111", "bbb222bbb222"}
	for _, h := range hashes {
		require.NoError(t, store.EnsureMailbox(h))
	}
	b := budget.Default(time.Now())
	_, err = store.Deliver(hashes[0], envelope.New("a.b", "s1", "", "x", b))
	require.NoError(t, err)
	name, err := store.Deliver(hashes[0], envelope.New("a.c", "s1", "", "y", b))
	require.NoError(t, err)
	_, err = store.Claim(hashes[0], name)
	require.NoError(t, err)
	_, err = store.FailDirect(hashes[1], envelope.New("a.d", "s2", "", "z", b), "nope")
	require.NoError(t, err)

	require.NoError(t, ix.Rebuild(store, hashes))
	first, err := ix.List(Filter{})
	require.NoError(t, err)
	require.Len(t, first, 3)

	statuses := map[string]int{}
	for _, m := range first {
		statuses[m.Status]++
	}
	assert.Equal(t, map[string]int{StatusNew: 1, StatusCur: 1, StatusFailed: 1}, statuses)

	// Rebuilding an unchanged tree yields the identical row set.
	require.NoError(t, ix.Rebuild(store, hashes))
	second, err := ix.List(Filter{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSpanLifecycle(t *testing.T) {
	ix := newIndex(t)
	sent := time.Now().Truncate(time.Millisecond)
	s := Span{
		MessageID: "01A", TraceID: "t1", SpanID: "sp1",
		Subject: "a.b", FromEndpoint: "s", ToEndpoint: "aaa",
		Status: SpanPending, BudgetHopsUsed: 1, BudgetTTLRemainingMs: 1000, SentAt: sent,
	}
	require.NoError(t, ix.InsertSpan(s))

	require.NoError(t, ix.MarkDelivered("01A", sent.Add(5*time.Millisecond)))
	got, err := ix.GetSpan("01A")
	require.NoError(t, err)
	assert.Equal(t, SpanDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	require.NoError(t, ix.MarkProcessed("01A", sent.Add(9*time.Millisecond)))
	got, err = ix.GetSpan("01A")
	require.NoError(t, err)
	assert.Equal(t, SpanProcessed, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.Error)

	require.NoError(t, ix.InsertSpan(Span{
		MessageID: "01B", TraceID: "t1", SpanID: "sp2", ParentSpanID: "sp1",
		Subject: "a.b", FromEndpoint: "s", ToEndpoint: "bbb",
		Status: SpanPending, SentAt: sent,
	}))
	require.NoError(t, ix.MarkFailed("01B", SpanDeadLettered, "cycle detected", sent.Add(time.Millisecond)))

	spans, err := ix.SpansByTrace("t1")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "sp1", spans[0].SpanID)
	assert.Equal(t, SpanDeadLettered, spans[1].Status)
	assert.Equal(t, "cycle detected", spans[1].Error)
	assert.Equal(t, "sp1", spans[1].ParentSpanID)

	assert.ErrorIs(t, ix.MarkDelivered("missing", sent), ErrNotFound)
}

func TestMetrics(t *testing.T) {
	ix := newIndex(t)
	now := time.Now()
	require.NoError(t, ix.InsertMessage(row("01A", "a.b", "s1", "aaa", StatusProcessed, now)))
	require.NoError(t, ix.InsertMessage(row("01B", "a.b", "s1", "bbb", StatusNew, now)))
	require.NoError(t, ix.InsertMessage(row("01C", "a.c", "s2", "aaa", StatusFailed, now)))

	sent := now.Truncate(time.Millisecond)
	for i, lat := range []int64{5, 10} {
		id := []string{"01A", "01B"}[i]
		require.NoError(t, ix.InsertSpan(Span{
			MessageID: id, TraceID: "t", SpanID: id, Subject: "a.b",
			FromEndpoint: "s", ToEndpoint: "e", Status: SpanPending, SentAt: sent,
		}))
		require.NoError(t, ix.MarkDelivered(id, sent.Add(time.Duration(lat)*time.Millisecond)))
	}

	m, err := ix.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalMessages)
	assert.Equal(t, 1, m.ByStatus[StatusNew])
	assert.Equal(t, 1, m.ByStatus[StatusFailed])
	assert.Equal(t, 1, m.ByStatus[StatusProcessed])
	require.NotEmpty(t, m.BySubject)
	assert.Equal(t, "a.b", m.BySubject[0].Subject)
	assert.Equal(t, 2, m.BySubject[0].Count)
	assert.InDelta(t, 7.5, m.DeliveryAvgMs, 0.01)
	assert.InDelta(t, 10, m.DeliveryMaxMs, 0.01)
	assert.Equal(t, 2, m.ActiveEndpoints)
	assert.InDelta(t, 10, m.DeliveryP95Ms, 0.01, "few samples fall back to max")
}
