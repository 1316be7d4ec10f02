package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascade/sysdb"
	sysmem "github.com/cascadeflow/cascade/sysdb/memory"
)

func newTransport(t *testing.T, db *sysmem.Store, withWaker bool) *Transport {
	t.Helper()
	opts := Options{DB: db, PollInterval: 10 * time.Millisecond}
	if withWaker {
		opts.Waker = db
	}
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func writeEntries(t *testing.T, db *sysmem.Store, id, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := db.WriteStream(context.Background(), id, key, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}
}

// collect drains batches until count entries arrived, the channel closed, or
// the deadline passed. It returns the entries and whether a closed batch was
// seen.
func collect(t *testing.T, ch <-chan Batch, count int) ([]sysdb.StreamEntry, bool) {
	t.Helper()
	var entries []sysdb.StreamEntry
	deadline := time.After(3 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return entries, false
			}
			entries = append(entries, b.Entries...)
			if b.Closed {
				return entries, true
			}
			if count > 0 && len(entries) >= count {
				return entries, false
			}
		case <-deadline:
			t.Fatalf("timed out with %d entries", len(entries))
		}
	}
}

func TestSubscribeCatchUpFromOffset(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)
	writeEntries(t, db, "wf-1", "events", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{
		FromOffset:   2,
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	entries, _ := collect(t, ch, 3)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+2), e.Offset)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+2), string(e.Value))
	}
}

func TestSubscribeBatchSizeLimit(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)
	writeEntries(t, db, "wf-1", "events", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{
		MaxBatchSize: 2,
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	var sizes []int
	var total int
	deadline := time.After(3 * time.Second)
	for total < 5 {
		select {
		case b := <-ch:
			require.LessOrEqual(t, len(b.Entries), 2)
			sizes = append(sizes, len(b.Entries))
			total += len(b.Entries)
		case <-deadline:
			t.Fatalf("timed out with %d entries", total)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestSubscribeFollowsLiveWrites(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		writeEntries(t, db, "wf-1", "events", 3)
	}()

	entries, _ := collect(t, ch, 3)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(0), entries[0].Offset)
	assert.Equal(t, int64(2), entries[2].Offset)
}

func TestSubscribeDeliversCloseSentinel(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)
	ctx := context.Background()

	_, err := db.InsertWorkflow(ctx, &sysdb.Workflow{
		ID: "wf-1", Name: "w", Status: sysdb.StatusRunning,
	})
	require.NoError(t, err)
	writeEntries(t, db, "wf-1", "events", 2)

	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	entries, _ := collect(t, ch, 2)
	require.Len(t, entries, 2)

	_, err = db.MarkTerminal(ctx, "wf-1", sysdb.StatusSuccess, nil, "")
	require.NoError(t, err)

	var closed bool
	select {
	case b := <-ch:
		closed = b.Closed
	case <-time.After(3 * time.Second):
		t.Fatal("no closing batch")
	}
	assert.True(t, closed)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after the final batch")
}

func TestSubscribeClosedStreamCatchUp(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)
	ctx := context.Background()

	_, err := db.InsertWorkflow(ctx, &sysdb.Workflow{
		ID: "wf-1", Name: "w", Status: sysdb.StatusRunning,
	})
	require.NoError(t, err)
	writeEntries(t, db, "wf-1", "events", 2)
	_, err = db.MarkTerminal(ctx, "wf-1", sysdb.StatusSuccess, nil, "")
	require.NoError(t, err)

	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{})
	require.NoError(t, err)

	entries, closed := collect(t, ch, 0)
	assert.True(t, closed)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"seq":1}`, string(entries[1].Value))
}

func TestSubscribeCancelDetaches(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not end after cancel")
	}
}

func TestSubscribePollsWithoutWaker(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "wf-1", "events", SubscribeOptions{
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeEntries(t, db, "wf-1", "events", 1)
	}()

	entries, _ := collect(t, ch, 1)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"seq":0}`, string(entries[0].Value))
}

func TestSubscribeValidation(t *testing.T) {
	db := sysmem.New()
	tr := newTransport(t, db, true)

	_, err := tr.Subscribe(context.Background(), "", "events", SubscribeOptions{})
	assert.Error(t, err)
	_, err = tr.Subscribe(context.Background(), "wf-1", "", SubscribeOptions{})
	assert.Error(t, err)
}
