package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

func TestOrderStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	action := createTestAction(t, ctx, pool, rule.ID, 0)
	store := NewOrderStore(pool)

	o := domain.NewOrder(pipeline.ID, action, "corr-1", 70)
	require.NoError(t, store.Insert(ctx, o))
	require.NotZero(t, o.ID)

	retrieved, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ID, retrieved.PipelineID)
	assert.Equal(t, action.ID, retrieved.ActionID)
	assert.Equal(t, domain.OrderStatusCreated, retrieved.Status)
	assert.Equal(t, domain.OrderContext, retrieved.Context)
	assert.Equal(t, "corr-1", retrieved.CorrelationID)
	assert.Empty(t, retrieved.PreviousCorrelationIDs)
	assert.InDelta(t, 70, retrieved.EstimatedTargetAmount, 0.0001)
	assert.Nil(t, retrieved.OutputAmount)
	assert.Equal(t, 1, retrieved.Attempts)
}

func TestOrderStore_DuplicateCorrelation(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	action := createTestAction(t, ctx, pool, rule.ID, 0)
	store := NewOrderStore(pool)

	require.NoError(t, store.Insert(ctx, domain.NewOrder(pipeline.ID, action, "corr-1", 70)))

	err := store.Insert(ctx, domain.NewOrder(pipeline.ID, action, "corr-1", 70))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestOrderStore_GetOpenByPipelineAction(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	action := createTestAction(t, ctx, pool, rule.ID, 0)
	store := NewOrderStore(pool)

	o := domain.NewOrder(pipeline.ID, action, "corr-1", 70)
	require.NoError(t, store.Insert(ctx, o))

	open, err := store.GetOpenByPipelineAction(ctx, pipeline.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, o.ID, open.ID)

	open.Dispatch()
	open.Complete(68.5)
	require.NoError(t, store.Update(ctx, open))

	_, err = store.GetOpenByPipelineAction(ctx, pipeline.ID, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	completed, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusComplete, completed.Status)
	require.NotNil(t, completed.OutputAmount)
	assert.InDelta(t, 68.5, *completed.OutputAmount, 0.0001)
}

func TestOrderStore_RetryChainCorrelationLookup(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	action := createTestAction(t, ctx, pool, rule.ID, 0)
	store := NewOrderStore(pool)

	o := domain.NewOrder(pipeline.ID, action, "corr-1", 70)
	require.NoError(t, store.Insert(ctx, o))

	o.Retry("corr-2", time.Now().Add(30*time.Second))
	require.NoError(t, store.Update(ctx, o))
	o.Retry("corr-3", time.Now().Add(time.Minute))
	require.NoError(t, store.Update(ctx, o))

	for _, id := range []string{"corr-1", "corr-2", "corr-3"} {
		got, err := store.GetByCorrelation(ctx, domain.OrderContext, id)
		require.NoError(t, err, "lookup %s", id)
		require.Len(t, got, 1, "lookup %s", id)
		assert.Equal(t, o.ID, got[0].ID)
	}

	retrieved, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-3", retrieved.CorrelationID)
	assert.Equal(t, []string{"corr-1", "corr-2"}, retrieved.PreviousCorrelationIDs)
	assert.Equal(t, 3, retrieved.Attempts)
	require.NotNil(t, retrieved.NextRetryAt)

	got, err := store.GetByCorrelation(ctx, "other-context", "corr-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOrderStore_GetByPipeline(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	store := NewOrderStore(pool)

	for i := 0; i < 3; i++ {
		action := createTestAction(t, ctx, pool, rule.ID, i)
		o := domain.NewOrder(pipeline.ID, action, fmt.Sprintf("corr-%d", i), 70)
		require.NoError(t, store.Insert(ctx, o))
	}

	got, err := store.GetByPipeline(ctx, pipeline.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID)
	}
}

func TestOrderStore_FailureStates(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	pipeline := createTestPipeline(t, ctx, pool, rule)
	action := createTestAction(t, ctx, pool, rule.ID, 0)
	store := NewOrderStore(pool)

	o := domain.NewOrder(pipeline.ID, action, "corr-1", 70)
	require.NoError(t, store.Insert(ctx, o))

	o.Dispatch()
	o.MarkNotProcessable("insufficient balance on source account")
	require.NoError(t, store.Update(ctx, o))

	retrieved, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNotProcessable, retrieved.Status)
	require.NotNil(t, retrieved.ErrorMessage)
	assert.Contains(t, *retrieved.ErrorMessage, "insufficient balance")
	assert.True(t, retrieved.IsTerminal())
}
