package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-manager/internal/action"
	"liquidity-manager/internal/action/stub"
	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/notify"
	"liquidity-manager/internal/observability"
	"liquidity-manager/internal/retrypolicy"
	"liquidity-manager/internal/storage"
	"liquidity-manager/internal/storage/memory"
)

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Send(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	engine    *Engine
	rules     *memory.RuleStore
	actions   *memory.ActionStore
	pipelines *memory.PipelineStore
	orders    *memory.OrderStore
	audit     *memory.AttemptLog
	trade     *stub.Client
	transfer  *stub.Client
	sink      *captureSink
	clock     *fakeClock
	rule      *domain.Rule
}

// newTestEnv wires an engine over memory stores and stub clients, with a
// deterministic clock, sequential correlation ids and jitter-free retry
// schedules.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		rules:     memory.NewRuleStore(),
		actions:   memory.NewActionStore(),
		pipelines: memory.NewPipelineStore(),
		orders:    memory.NewOrderStore(),
		audit:     memory.NewAttemptLog(),
		trade:     stub.New(),
		transfer:  stub.New(),
		sink:      &captureSink{},
		clock:     &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	policy := retrypolicy.Policy{
		MaxAttempts:  3,
		InitialDelay: 30 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		JitterFactor: 0,
	}

	eng, err := New(Options{
		Rules:     env.rules,
		Actions:   env.actions,
		Pipelines: env.pipelines,
		Orders:    env.orders,
		Clients: action.Registry{
			domain.ActionTypeTrade:    env.trade,
			domain.ActionTypeTransfer: env.transfer,
		},
		Policies: retrypolicy.Set{
			domain.ActionTypeTrade:    policy,
			domain.ActionTypeTransfer: policy,
		},
		Sinks:   []notify.Sink{env.sink},
		Audit:   env.audit,
		Metrics: observability.DefaultMetrics,
	})
	require.NoError(t, err)

	var seq int
	eng.newID = func() string {
		seq++
		return fmt.Sprintf("corr-%d", seq)
	}
	eng.now = env.clock.Now
	env.engine = eng

	assetID := int64(42)
	rule, err := domain.NewRule(&assetID, nil, 100, 150, 300)
	require.NoError(t, err)
	rule.SendNotifications = true
	rule.ReactivationSecs = 3600
	require.NoError(t, env.rules.Insert(context.Background(), rule))
	env.rule = rule

	return env
}

// seedChain configures a trade then transfer deficit chain for the rule.
func (env *testEnv) seedChain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i, typ := range []domain.ActionType{domain.ActionTypeTrade, domain.ActionTypeTransfer} {
		params := map[string]any{"exchange": "kraken", "pair": "BTC/EUR"}
		if typ == domain.ActionTypeTransfer {
			params = map[string]any{"source": "kraken", "target": "treasury"}
		}
		a := &domain.Action{
			RuleID:       env.rule.ID,
			PipelineType: domain.PipelineTypeDeficit,
			Index:        i,
			Type:         typ,
			Params:       params,
		}
		require.NoError(t, env.actions.Insert(ctx, a))
	}
}

func (env *testEnv) createPipeline(t *testing.T) *domain.Pipeline {
	t.Helper()
	p, err := env.engine.CreatePipeline(context.Background(), env.rule, domain.Deficit(70, 220))
	require.NoError(t, err)
	return p
}

func (env *testEnv) openOrderFor(t *testing.T, p *domain.Pipeline) *domain.Order {
	t.Helper()
	current, err := env.pipelines.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	o, err := env.orders.GetOpenByPipelineAction(context.Background(), p.ID, current.CurrentActionIndex)
	require.NoError(t, err)
	return o
}

func TestCreatePipeline_EmptyChainRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreatePipeline(context.Background(), env.rule, domain.Deficit(70, 220))
	assert.ErrorIs(t, err, domain.ErrEmptyActionChain)
}

func TestCreatePipeline_InvalidParamsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.trade.WithRequiredParam("exchange", action.ErrMissingExchange)

	a := &domain.Action{
		RuleID:       env.rule.ID,
		PipelineType: domain.PipelineTypeDeficit,
		Index:        0,
		Type:         domain.ActionTypeTrade,
		Params:       map[string]any{},
	}
	require.NoError(t, env.actions.Insert(context.Background(), a))

	_, err := env.engine.CreatePipeline(context.Background(), env.rule, domain.Deficit(70, 220))
	assert.ErrorIs(t, err, action.ErrMissingExchange)
}

func TestCreatePipeline_SecondActiveRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	env.createPipeline(t)

	_, err := env.engine.CreatePipeline(context.Background(), env.rule, domain.Deficit(70, 220))
	assert.ErrorIs(t, err, storage.ErrPipelineActive)
}

func TestStep_SingleOrderCoversBand(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	// First step: pipeline starts and the trade order is dispatched.
	require.NoError(t, env.engine.Step(ctx, p.ID))
	order := env.openOrderFor(t, p)
	assert.Equal(t, domain.OrderStatusInProgress, order.Status)
	assert.InDelta(t, 70, order.EstimatedTargetAmount, 0.0001)
	assert.True(t, env.trade.Started(order.CorrelationID))

	// Second step: the stub confirms the full amount, which covers the
	// band; the transfer action never runs.
	require.NoError(t, env.engine.Step(ctx, p.ID))
	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusComplete, final.Status)
	assert.Equal(t, 1, final.OrdersProcessed)
	assert.Equal(t, 0, env.transfer.StartCalls())

	events := env.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PipelineStatusComplete, events[0].Status)
}

func TestStep_PartialFillAdvancesChain(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	first := env.openOrderFor(t, p)
	env.trade.ScriptResult(first.CorrelationID, &action.Result{Complete: true, OutputAmount: 40})

	// Trade covers 40 of 70; the pipeline advances to the transfer.
	require.NoError(t, env.engine.Step(ctx, p.ID))
	mid, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusInProgress, mid.Status)
	assert.Equal(t, 1, mid.CurrentActionIndex)

	// Transfer order is estimated at the uncovered remainder.
	require.NoError(t, env.engine.Step(ctx, p.ID))
	second := env.openOrderFor(t, p)
	assert.InDelta(t, 30, second.EstimatedTargetAmount, 0.0001)
	assert.True(t, env.transfer.Started(second.CorrelationID))

	require.NoError(t, env.engine.Step(ctx, p.ID))
	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusComplete, final.Status)
	assert.Equal(t, 2, final.OrdersProcessed)
}

func TestStep_AmbiguousOutcomeStaysInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	order := env.openOrderFor(t, p)
	env.trade.ScriptResult(order.CorrelationID, &action.Result{}) // pending, no failure

	for i := 0; i < 5; i++ {
		require.NoError(t, env.engine.Step(ctx, p.ID))
	}

	same := env.openOrderFor(t, p)
	assert.Equal(t, order.ID, same.ID)
	assert.Equal(t, domain.OrderStatusInProgress, same.Status)
	assert.Equal(t, order.CorrelationID, same.CorrelationID)
	assert.Equal(t, 1, env.trade.StartCalls(), "pending order must not be re-submitted")

	mid, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusInProgress, mid.Status)
}

func TestStep_ConfirmedFailureRotatesCorrelation(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	first := env.openOrderFor(t, p)
	env.trade.ScriptResult(first.CorrelationID, &action.Result{FailureReason: "order book moved"})

	require.NoError(t, env.engine.Step(ctx, p.ID))
	retried := env.openOrderFor(t, p)
	assert.Equal(t, first.ID, retried.ID)
	assert.Equal(t, domain.OrderStatusCreated, retried.Status)
	assert.NotEqual(t, first.CorrelationID, retried.CorrelationID)
	assert.Equal(t, []string{first.CorrelationID}, retried.PreviousCorrelationIDs)
	assert.Equal(t, 2, retried.Attempts)
	require.NotNil(t, retried.NextRetryAt)

	// Backoff gate: stepping before NextRetryAt must not dispatch.
	require.NoError(t, env.engine.Step(ctx, p.ID))
	assert.Equal(t, 1, env.trade.StartCalls())

	env.clock.Advance(31 * time.Second)
	require.NoError(t, env.engine.Step(ctx, p.ID))
	assert.Equal(t, 2, env.trade.StartCalls())
	assert.True(t, env.trade.Started(retried.CorrelationID))
}

func TestStep_RetryBudgetExhaustedFailsPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	for attempt := 0; attempt < 3; attempt++ {
		require.NoError(t, env.engine.Step(ctx, p.ID)) // dispatch
		order := env.openOrderFor(t, p)
		env.trade.ScriptResult(order.CorrelationID, &action.Result{FailureReason: "venue rejected"})
		require.NoError(t, env.engine.Step(ctx, p.ID)) // reconcile
		env.clock.Advance(5 * time.Minute)
	}

	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusFailed, final.Status)

	orders, err := env.orders.GetByPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusFailed, orders[0].Status)
	assert.Equal(t, 3, orders[0].Attempts)
	assert.Len(t, orders[0].PreviousCorrelationIDs, 2)

	rule, err := env.rules.GetByID(ctx, env.rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusPaused, rule.Status)
	require.NotNil(t, rule.PausedAt)

	events := env.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PipelineStatusFailed, events[0].Status)
}

func TestStep_NotProcessableFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	order := env.openOrderFor(t, p)
	env.trade.ScriptResult(order.CorrelationID, &action.Result{
		NotProcessable: true,
		FailureReason:  "asset delisted",
	})

	require.NoError(t, env.engine.Step(ctx, p.ID))

	stored, err := env.orders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNotProcessable, stored.Status)
	assert.Equal(t, 1, stored.Attempts, "not processable must not be retried")

	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusFailed, final.Status)

	rule, err := env.rules.GetByID(ctx, env.rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusPaused, rule.Status)
}

func TestStep_StartErrorResolvedByReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	env.trade.FailStartWith(fmt.Errorf("connection reset"))
	require.NoError(t, env.engine.Step(ctx, p.ID))

	// Outcome unknown: the order is in flight even though Start errored.
	order := env.openOrderFor(t, p)
	assert.Equal(t, domain.OrderStatusInProgress, order.Status)

	// Reconciliation finds nothing under the correlation id, so the
	// attempt is confirmed lost and rotates onto a fresh id.
	env.trade.FailStartWith(nil)
	require.NoError(t, env.engine.Step(ctx, p.ID))
	retried := env.openOrderFor(t, p)
	assert.Equal(t, domain.OrderStatusCreated, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, []string{order.CorrelationID}, retried.PreviousCorrelationIDs)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.engine.Step(ctx, p.ID))
	require.NoError(t, env.engine.Step(ctx, p.ID))

	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusComplete, final.Status)
}

func TestStep_TerminalPipelineIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	require.NoError(t, env.engine.Step(ctx, p.ID))

	before, err := env.orders.GetByPipeline(ctx, p.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.engine.Step(ctx, p.ID))
	}

	after, err := env.orders.GetByPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, 1, env.trade.StartCalls())
}

func TestStep_ConcurrentStepsSafe(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.engine.Step(ctx, p.ID)
		}()
	}
	wg.Wait()

	orders, err := env.orders.GetByPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "concurrent steps must not duplicate orders")
	assert.Equal(t, 1, env.trade.StartCalls())
}

func TestStepAll_DrivesEveryActivePipeline(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()

	otherAsset := int64(43)
	other, err := domain.NewRule(&otherAsset, nil, 10, 20, 30)
	require.NoError(t, err)
	require.NoError(t, env.rules.Insert(ctx, other))
	require.NoError(t, env.actions.Insert(ctx, &domain.Action{
		RuleID:       other.ID,
		PipelineType: domain.PipelineTypeDeficit,
		Index:        0,
		Type:         domain.ActionTypeTrade,
		Params:       map[string]any{"exchange": "kraken", "pair": "ETH/EUR"},
	}))

	p1 := env.createPipeline(t)
	p2, err := env.engine.CreatePipeline(ctx, other, domain.Deficit(15, 20))
	require.NoError(t, err)

	require.NoError(t, env.engine.StepAll(ctx))

	for _, id := range []int64{p1.ID, p2.ID} {
		p, err := env.pipelines.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PipelineStatusInProgress, p.Status)
	}
}

func TestReactivateRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rule.Pause(env.clock.Now())
	require.NoError(t, env.rules.Update(ctx, env.rule))

	// Cooldown not elapsed.
	require.NoError(t, env.engine.ReactivateRules(ctx))
	rule, err := env.rules.GetByID(ctx, env.rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusPaused, rule.Status)

	env.clock.Advance(time.Hour + time.Second)
	require.NoError(t, env.engine.ReactivateRules(ctx))
	rule, err = env.rules.GetByID(ctx, env.rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusActive, rule.Status)
	assert.Nil(t, rule.PausedAt)
}

func TestNotificationOptOutDoesNotBlockPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()

	env.rule.SendNotifications = false
	require.NoError(t, env.rules.Update(ctx, env.rule))

	p, err := env.engine.CreatePipeline(ctx, env.rule, domain.Deficit(70, 220))
	require.NoError(t, err)
	require.NoError(t, env.engine.Step(ctx, p.ID))
	require.NoError(t, env.engine.Step(ctx, p.ID))

	final, err := env.pipelines.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusComplete, final.Status)
	assert.Empty(t, env.sink.all(), "opted-out rule must not notify")
}

func TestStep_AuditTrailRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(t)
	ctx := context.Background()
	p := env.createPipeline(t)

	require.NoError(t, env.engine.Step(ctx, p.ID))
	require.NoError(t, env.engine.Step(ctx, p.ID))

	records, err := env.audit.GetByPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "started", records[0].Status)
	assert.Equal(t, "completed", records[1].Status)
	assert.Equal(t, p.RuleID, records[0].RuleID)
}
