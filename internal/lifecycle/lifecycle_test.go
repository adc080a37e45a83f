package lifecycle

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

func setupManager(t *testing.T, now func() time.Time) (*store.RedisStore, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = st.Close() })

	return st, New(st, DefaultIdleTimeout, now)
}

func seedSession(t *testing.T, st *store.RedisStore, id string, lastMessage time.Time) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:                id,
		CustomerPhone:     "+5511999990000",
		RestaurantID:      "rest-1",
		Status:            store.StatusActive,
		SessionStatus:     store.LifecycleActive,
		ConversationState: "product",
		CreatedAt:         lastMessage,
		LastMessageAt:     lastMessage,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestExpireIdle_WithOrderDataWritesSummary(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	sess := seedSession(t, st, "sess-idle", base.Add(-13*time.Hour))
	sess.Metadata.Items = []store.OrderItem{
		{Name: "pizza calabresa", Quantity: 2, UnitPrice: 45},
		{Name: "coca-cola", Quantity: 1, UnitPrice: 8},
	}
	sess.Metadata.DeliveryType = "delivery"
	require.NoError(t, st.UpdateSession(ctx, sess))

	m.ExpireIdle(ctx)

	expired, err := st.GetSession(ctx, "sess-idle")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, expired.Status)
	assert.Equal(t, store.LifecycleExpired, expired.SessionStatus)
	require.NotEmpty(t, expired.Metadata.SummaryID)

	summary, err := st.LatestSummary(ctx, "sess-idle")
	require.NoError(t, err)
	assert.Equal(t, expired.Metadata.SummaryID, summary.ID)
	assert.InDelta(t, 98.0, summary.Total, 0.001)
	assert.Contains(t, summary.Narrative, "2x pizza calabresa")
	assert.Contains(t, summary.Narrative, "entrega: delivery")
}

func TestExpireIdle_WithoutOrderDataSkipsSummary(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	seedSession(t, st, "sess-empty", base.Add(-14*time.Hour))

	m.ExpireIdle(ctx)

	expired, err := st.GetSession(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, expired.Status)
	assert.Empty(t, expired.Metadata.SummaryID)

	_, err = st.LatestSummary(ctx, "sess-empty")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireIdle_LeavesFreshSessionsAlone(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	seedSession(t, st, "sess-fresh", base.Add(-time.Hour))

	m.ExpireIdle(ctx)

	sess, err := st.GetSession(ctx, "sess-fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, sess.Status)
}

func TestHandleOrderStatus_CompletedArchives(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	seedSession(t, st, "sess-x", base)

	err := m.HandleOrderStatus(ctx, OrderStatusEvent{
		SessionID: "sess-x",
		OldStatus: "preparing",
		NewStatus: "completed",
	})
	require.NoError(t, err)

	sess, err := st.GetSession(ctx, "sess-x")
	require.NoError(t, err)
	assert.Equal(t, store.StatusArchived, sess.Status)
	assert.Equal(t, store.LifecycleCompleted, sess.SessionStatus)
	assert.Equal(t, "completed", sess.ConversationState)
	require.NotNil(t, sess.ArchivedAt)
}

func TestHandleOrderStatus_CancelledReopens(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	sess := seedSession(t, st, "sess-x", base)
	sess.Metadata.Items = []store.OrderItem{{Name: "pizza", Quantity: 1, UnitPrice: 40}}
	sess.Metadata.PaymentMethod = "pix"
	sess.Status = store.StatusArchived
	archived := base.Add(-time.Hour)
	sess.ArchivedAt = &archived
	require.NoError(t, st.UpdateSession(ctx, sess))

	err := m.HandleOrderStatus(ctx, OrderStatusEvent{
		SessionID: "sess-x",
		OldStatus: "confirmed",
		NewStatus: "cancelled",
	})
	require.NoError(t, err)

	reopened, err := st.GetSession(ctx, "sess-x")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, reopened.Status)
	assert.Equal(t, "greeting", reopened.ConversationState)
	assert.Empty(t, reopened.Metadata.Items, "order items must reset")
	assert.Nil(t, reopened.ArchivedAt)
	require.NotNil(t, reopened.ReopenedAt)
	assert.Equal(t, 1, reopened.Metadata.ReopenedCount)
	// Payment survives a reopen; only the cart resets.
	assert.Equal(t, "pix", reopened.Metadata.PaymentMethod)
}

func TestHandleOrderStatus_NoOps(t *testing.T) {
	base := time.Now().UTC()
	st, m := setupManager(t, func() time.Time { return base })
	ctx := context.Background()

	sess := seedSession(t, st, "sess-x", base)
	originalVersion := sess.Version

	// Unchanged status.
	require.NoError(t, m.HandleOrderStatus(ctx, OrderStatusEvent{
		SessionID: "sess-x", OldStatus: "preparing", NewStatus: "preparing",
	}))
	// No session attached.
	require.NoError(t, m.HandleOrderStatus(ctx, OrderStatusEvent{
		OldStatus: "preparing", NewStatus: "completed",
	}))
	// Unknown session.
	require.NoError(t, m.HandleOrderStatus(ctx, OrderStatusEvent{
		SessionID: "sess-gone", OldStatus: "preparing", NewStatus: "completed",
	}))
	// Status transition the lifecycle doesn't care about.
	require.NoError(t, m.HandleOrderStatus(ctx, OrderStatusEvent{
		SessionID: "sess-x", OldStatus: "pending", NewStatus: "preparing",
	}))

	loaded, err := st.GetSession(ctx, "sess-x")
	require.NoError(t, err)
	assert.Equal(t, originalVersion, loaded.Version, "no-op events must not write")
	assert.Equal(t, store.StatusActive, loaded.Status)
}
