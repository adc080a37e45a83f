package debounce

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
)

type recordingHandler struct {
	batches []string
	ids     []string
}

func (h *recordingHandler) ProcessBatch(_ context.Context, sess *store.Session, combined string) error {
	h.batches = append(h.batches, combined)
	h.ids = append(h.ids, sess.ID)
	return nil
}

func setupDebouncer(t *testing.T, now func() time.Time) (*store.RedisStore, *recordingHandler, *Debouncer) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = st.Close() })

	handler := &recordingHandler{}
	d := New(st, handler, DefaultThreshold, now)
	return st, handler, d
}

func seedSession(t *testing.T, st *store.RedisStore, id string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:                id,
		CustomerPhone:     "+5511999990000",
		RestaurantID:      "rest-1",
		Status:            store.StatusActive,
		SessionStatus:     store.LifecycleActive,
		ConversationState: "greeting",
		CreatedAt:         time.Now().UTC(),
		LastMessageAt:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestEnqueue_ArmsWindowAndQueues(t *testing.T) {
	st, _, d := setupDebouncer(t, nil)
	ctx := context.Background()
	seedSession(t, st, "sess-1")

	at := time.Now().UTC()
	require.NoError(t, d.Enqueue(ctx, "sess-1", "oi", at))
	require.NoError(t, d.Enqueue(ctx, "sess-1", "quero uma pizza", at.Add(time.Second)))

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Metadata.DebounceActive)
	require.Len(t, sess.Metadata.PendingMessages, 2)
	assert.Equal(t, "oi", sess.Metadata.PendingMessages[0].Text)
	assert.Equal(t, "quero uma pizza", sess.Metadata.PendingMessages[1].Text)
	// Window extends to the newest message.
	assert.Equal(t, at.Add(time.Second).Unix(), sess.LastMessageAt.Unix())
}

func TestFlushExpired_CombinesInArrivalOrder(t *testing.T) {
	base := time.Now().UTC()
	current := base
	st, handler, d := setupDebouncer(t, func() time.Time { return current })
	ctx := context.Background()
	seedSession(t, st, "sess-1")

	require.NoError(t, d.Enqueue(ctx, "sess-1", "oi", base))
	require.NoError(t, d.Enqueue(ctx, "sess-1", "quero uma pizza grande", base.Add(time.Second)))
	require.NoError(t, d.Enqueue(ctx, "sess-1", "e uma coca", base.Add(2*time.Second)))

	// Sweep before the quiet period: nothing flushes.
	current = base.Add(3 * time.Second)
	d.FlushExpired(ctx)
	assert.Empty(t, handler.batches)

	// Sweep after the quiet period: exactly one combined batch.
	current = base.Add(15 * time.Second)
	d.FlushExpired(ctx)
	require.Len(t, handler.batches, 1)
	assert.Equal(t, "oi\nquero uma pizza grande\ne uma coca", handler.batches[0])

	// Queue and armed flag cleared atomically with the flush.
	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, sess.Metadata.DebounceActive)
	assert.Empty(t, sess.Metadata.PendingMessages)

	// A second sweep finds nothing to flush.
	d.FlushExpired(ctx)
	assert.Len(t, handler.batches, 1)
}

func TestFlushExpired_SkipsFreshWindows(t *testing.T) {
	base := time.Now().UTC()
	current := base
	st, handler, d := setupDebouncer(t, func() time.Time { return current })
	ctx := context.Background()
	seedSession(t, st, "sess-old")
	seedSession(t, st, "sess-new")

	require.NoError(t, d.Enqueue(ctx, "sess-old", "primeira", base.Add(-time.Minute)))
	require.NoError(t, d.Enqueue(ctx, "sess-new", "recente", base.Add(-time.Second)))

	d.FlushExpired(ctx)

	require.Len(t, handler.ids, 1)
	assert.Equal(t, "sess-old", handler.ids[0])
}

func TestFlushExpired_LostClaimSkipsBatch(t *testing.T) {
	base := time.Now().UTC()
	st, handler, d := setupDebouncer(t, func() time.Time { return base.Add(time.Minute) })
	ctx := context.Background()
	seedSession(t, st, "sess-1")
	require.NoError(t, d.Enqueue(ctx, "sess-1", "oi", base))

	// A concurrent writer bumps the version between the sweep's read and
	// its claim by appending another message.
	sessions, err := st.ListDebouncePending(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	stale := sessions[0]

	require.NoError(t, d.Enqueue(ctx, "sess-1", "mais uma coisa", base.Add(time.Second)))

	stale.Metadata.PendingMessages = nil
	stale.Metadata.DebounceActive = false
	err = st.UpdateSession(ctx, stale)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	// The sweep itself still flushes the full, extended queue.
	d.FlushExpired(ctx)
	require.Len(t, handler.batches, 1)
	assert.Equal(t, "oi\nmais uma coisa", handler.batches[0])
}

func TestFlushExpired_DisarmsEmptyQueue(t *testing.T) {
	base := time.Now().UTC()
	st, handler, d := setupDebouncer(t, func() time.Time { return base.Add(time.Minute) })
	ctx := context.Background()
	sess := seedSession(t, st, "sess-1")

	// Armed flag with no pending messages (e.g. partial prior flush).
	sess.Metadata.DebounceActive = true
	sess.LastMessageAt = base
	require.NoError(t, st.UpdateSession(ctx, sess))

	d.FlushExpired(ctx)

	assert.Empty(t, handler.batches)
	loaded, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, loaded.Metadata.DebounceActive)
}
