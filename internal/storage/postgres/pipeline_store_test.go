package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

func TestPipelineStore_CreateAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	store := NewPipelineStore(pool)

	p := domain.NewPipeline(rule, domain.Deficit(70, 220))
	require.NoError(t, store.CreateIfNoneActive(ctx, p))
	require.NotZero(t, p.ID)

	retrieved, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, retrieved.RuleID)
	assert.Equal(t, domain.PipelineTypeDeficit, retrieved.Type)
	assert.Equal(t, domain.PipelineStatusCreated, retrieved.Status)
	assert.InDelta(t, 70, retrieved.MinAmount, 0.0001)
	assert.InDelta(t, 220, retrieved.MaxAmount, 0.0001)
	assert.Equal(t, 0, retrieved.CurrentActionIndex)
	assert.True(t, retrieved.SendNotifications)
}

func TestPipelineStore_SecondActiveRejected(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	store := NewPipelineStore(pool)

	require.NoError(t, store.CreateIfNoneActive(ctx, domain.NewPipeline(rule, domain.Deficit(70, 220))))

	err := store.CreateIfNoneActive(ctx, domain.NewPipeline(rule, domain.Deficit(10, 50)))
	assert.ErrorIs(t, err, storage.ErrPipelineActive)
}

func TestPipelineStore_CreateAfterTerminal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	store := NewPipelineStore(pool)

	first := domain.NewPipeline(rule, domain.Deficit(70, 220))
	require.NoError(t, store.CreateIfNoneActive(ctx, first))

	first.Start()
	first.Fail()
	require.NoError(t, store.Update(ctx, first))

	second := domain.NewPipeline(rule, domain.Surplus(40, 120))
	require.NoError(t, store.CreateIfNoneActive(ctx, second))

	latest, err := store.GetLatestTerminalByRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
	assert.Equal(t, domain.PipelineStatusFailed, latest.Status)
}

func TestPipelineStore_ConcurrentCreate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	store := NewPipelineStore(pool)

	const workers = 16
	var created int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p := domain.NewPipeline(rule, domain.Deficit(70, 220))
			if err := store.CreateIfNoneActive(ctx, p); err == nil {
				atomic.AddInt64(&created, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created, "exactly one concurrent create may win")
}

func TestPipelineStore_GetActiveByRule(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	other := createTestRule(t, ctx, pool, 43)
	store := NewPipelineStore(pool)

	p := createTestPipeline(t, ctx, pool, rule)

	got, err := store.GetActiveByRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = store.GetActiveByRule(ctx, other.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPipelineStore_UpdateProgress(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rule := createTestRule(t, ctx, pool, 42)
	store := NewPipelineStore(pool)

	p := createTestPipeline(t, ctx, pool, rule)
	p.Start()
	p.Advance()
	p.OrdersProcessed = 1
	require.NoError(t, store.Update(ctx, p))

	retrieved, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusInProgress, retrieved.Status)
	assert.Equal(t, 1, retrieved.CurrentActionIndex)
	assert.Equal(t, 1, retrieved.OrdersProcessed)

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)
}
