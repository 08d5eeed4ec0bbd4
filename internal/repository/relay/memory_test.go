package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "calls/c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "calls/c1", Document{"status": "ringing", "callerId": "a"}))
	require.NoError(t, m.Update(ctx, "calls/c1", Document{"status": "active"}))

	doc, err := m.Get(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, "active", doc["status"])
	assert.Equal(t, "a", doc["callerId"])

	// returned documents are copies
	doc["status"] = "mutated"
	doc, err = m.Get(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, "active", doc["status"])

	require.ErrorIs(t, m.Update(ctx, "calls/missing", Document{"x": 1}), ErrNotFound)

	require.NoError(t, m.Delete(ctx, "calls/c1"))
	require.NoError(t, m.Delete(ctx, "calls/c1"))
	_, err = m.Get(ctx, "calls/c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_InvalidPath(t *testing.T) {
	m := NewMemory()
	require.Error(t, m.Set(context.Background(), "nocollection", Document{}))
	require.Error(t, m.Set(context.Background(), "calls/", Document{}))
}

func TestMemory_ListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	coll := Join("calls", "c1", "callerCandidates")
	for _, seq := range []int{3, 1, 2} {
		_, err := m.Add(ctx, coll, Document{"seq": seq})
		require.NoError(t, err)
	}
	_, err := m.Add(ctx, Join("calls", "c2", "callerCandidates"), Document{"seq": 0})
	require.NoError(t, err)

	snaps, err := m.List(ctx, Query{Collection: coll, OrderBy: "seq"})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, s := range snaps {
		assert.EqualValues(t, i+1, s.Data["seq"])
	}

	snaps, err = m.List(ctx, Query{Collection: coll, Where: map[string]any{"seq": 2}})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestMemory_WatchDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var rec recorder[Snapshot]

	unsub, err := m.WatchDocument(ctx, "calls/c1", rec.add)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Set(ctx, "calls/c1", Document{"status": "ringing"}))
	require.NoError(t, m.Update(ctx, "calls/c1", Document{"status": "active"}))
	require.NoError(t, m.Delete(ctx, "calls/c1"))

	require.Eventually(t, func() bool { return rec.len() == 4 }, wait, 5*time.Millisecond)
	got := rec.all()
	assert.False(t, got[0].Exists)
	assert.Equal(t, "ringing", got[1].Data["status"])
	assert.Equal(t, "active", got[2].Data["status"])
	assert.False(t, got[3].Exists)
	assert.Equal(t, "c1", got[3].ID)
}

func TestMemory_WatchCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "calls/old", Document{"calleeId": "d", "status": "ringing"}))

	var rec recorder[Change]
	unsub, err := m.WatchCollection(ctx, Query{
		Collection: "calls",
		Where:      map[string]any{"calleeId": "d", "status": "ringing"},
	}, func(changes []Change) {
		for _, c := range changes {
			rec.add(c)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Set(ctx, "calls/other", Document{"calleeId": "x", "status": "ringing"}))
	require.NoError(t, m.Set(ctx, "calls/new", Document{"calleeId": "d", "status": "ringing"}))
	require.NoError(t, m.Update(ctx, "calls/new", Document{"offer": "sdp"}))
	require.NoError(t, m.Update(ctx, "calls/old", Document{"status": "active"}))

	require.Eventually(t, func() bool { return rec.len() == 4 }, wait, 5*time.Millisecond)
	got := rec.all()
	assert.Equal(t, Added, got[0].Kind)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, Added, got[1].Kind)
	assert.Equal(t, "new", got[1].ID)
	assert.Equal(t, Modified, got[2].Kind)
	assert.Equal(t, Removed, got[3].Kind)
	assert.Equal(t, "old", got[3].ID)
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var rec recorder[Snapshot]

	unsub, err := m.WatchDocument(ctx, "calls/c1", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, wait, 5*time.Millisecond)

	unsub()
	unsub()
	require.NoError(t, m.Set(ctx, "calls/c1", Document{"status": "ringing"}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestMemory_ContextCancelUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	var rec recorder[Snapshot]

	_, err := m.WatchDocument(ctx, "calls/c1", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, wait, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.docWatches["calls/c1"]) == 0
	}, wait, 5*time.Millisecond)
}

func TestMemory_CallbackMayWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	done := make(chan struct{})

	unsub, err := m.WatchDocument(ctx, "calls/c1", func(s Snapshot) {
		if s.Exists && s.Data["status"] == "ringing" {
			require.NoError(t, m.Update(ctx, "calls/c1", Document{"status": "active"}))
		}
		if s.Exists && s.Data["status"] == "active" {
			close(done)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Set(ctx, "calls/c1", Document{"status": "ringing"}))
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("callback write was not observed")
	}
}

func TestEncodeDecode(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
		Seq  int64  `json:"seq"`
	}
	doc, err := Encode(rec{Name: "a", Seq: 7})
	require.NoError(t, err)
	assert.Equal(t, "a", doc["name"])

	var out rec
	require.NoError(t, Decode(doc, &out))
	assert.Equal(t, rec{Name: "a", Seq: 7}, out)
}

func TestSplitJoin(t *testing.T) {
	coll, id := Split(Join("calls", "c1", "callerCandidates", "x"))
	assert.Equal(t, "calls/c1/callerCandidates", coll)
	assert.Equal(t, "x", id)
}
