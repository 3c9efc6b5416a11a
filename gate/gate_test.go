package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/rules"
	"github.com/refinerylabs/refinery/storage"
	"github.com/refinerylabs/refinery/types"
)

func newEvaluator(t *testing.T, opts ...Option) (*Evaluator, *ledger.MemoryLedger) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	e, err := NewEvaluator(storage.NewMemoryStorage(), rules.NewExprEvaluator(), led, opts...)
	require.NoError(t, err)
	return e, led
}

func reviewGate(mode types.GateMode) types.Gate {
	return types.Gate{
		ID:         "review",
		MoleculeID: 1,
		StepID:     "draft",
		Mode:       mode,
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvaluator(t)

	t.Run("policy gate requires a predicate", func(t *testing.T) {
		g := reviewGate(types.GatePolicyAuto)
		assert.ErrorIs(t, e.Register(ctx, g), ErrNoPredicate)

		g.Predicate = "score > 0.5"
		assert.NoError(t, e.Register(ctx, g))
	})

	t.Run("empty ID rejected", func(t *testing.T) {
		assert.Error(t, e.Register(ctx, types.Gate{Mode: types.GateAsyncManual}))
	})
}

func TestPolicyAutoGate(t *testing.T) {
	ctx := context.Background()

	t.Run("satisfied predicate approves", func(t *testing.T) {
		e, led := newEvaluator(t)
		g := reviewGate(types.GatePolicyAuto)
		g.Predicate = "result.score >= 0.8"
		require.NoError(t, e.Register(ctx, g))

		decided, err := e.Submit(ctx, "review", map[string]interface{}{
			"result": map[string]interface{}{"score": 0.9},
		})
		require.NoError(t, err)
		assert.Equal(t, types.GateApproved, decided.Decision)
		assert.Equal(t, PolicyDecider, decided.DecidedBy)
		assert.Contains(t, decided.Rationale, "satisfied")

		entries, err := led.Entries(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.ActionGateSubmitted, entries[0].Action)
		assert.Equal(t, ledger.ActionGateApproved, entries[1].Action)
	})

	t.Run("unsatisfied predicate rejects", func(t *testing.T) {
		e, _ := newEvaluator(t)
		g := reviewGate(types.GatePolicyAuto)
		g.Predicate = "result.score >= 0.8"
		require.NoError(t, e.Register(ctx, g))

		decided, err := e.Submit(ctx, "review", map[string]interface{}{
			"result": map[string]interface{}{"score": 0.2},
		})
		require.NoError(t, err)
		assert.Equal(t, types.GateRejected, decided.Decision)
	})

	t.Run("predicate error rejects with diagnostics", func(t *testing.T) {
		e, _ := newEvaluator(t)
		g := reviewGate(types.GatePolicyAuto)
		g.Predicate = "score >= 0.8"
		require.NoError(t, e.Register(ctx, g))

		decided, err := e.Submit(ctx, "review", map[string]interface{}{"unrelated": 1})
		require.NoError(t, err)
		assert.Equal(t, types.GateRejected, decided.Decision)
		assert.Contains(t, decided.Rationale, "predicate")
	})
}

func TestAsyncManualGate(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvaluator(t)
	require.NoError(t, e.Register(ctx, reviewGate(types.GateAsyncManual)))

	t.Run("submit returns pending immediately", func(t *testing.T) {
		g, err := e.Submit(ctx, "review", map[string]interface{}{"draft": "v1"})
		require.NoError(t, err)
		assert.Equal(t, types.GatePending, g.Decision)
		assert.NotZero(t, g.SubmittedAt)

		pending, err := e.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "review", pending[0].ID)
	})

	t.Run("decide approves once", func(t *testing.T) {
		g, err := e.Decide(ctx, "review", true, "reads well", "editor-1")
		require.NoError(t, err)
		assert.Equal(t, types.GateApproved, g.Decision)
		assert.Equal(t, "editor-1", g.DecidedBy)
		assert.NotZero(t, g.DecidedAt)
	})

	t.Run("second decision fails and changes nothing", func(t *testing.T) {
		g, err := e.Decide(ctx, "review", false, "changed my mind", "editor-2")
		assert.ErrorIs(t, err, ErrAlreadyDecided)
		assert.Equal(t, types.GateApproved, g.Decision)
		assert.Equal(t, "editor-1", g.DecidedBy)
	})

	t.Run("resubmission of a decided gate is a no-op", func(t *testing.T) {
		g, err := e.Submit(ctx, "review", map[string]interface{}{"draft": "v2"})
		require.NoError(t, err)
		assert.Equal(t, types.GateApproved, g.Decision)
	})
}

func TestDecideWithoutSubmission(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvaluator(t)
	require.NoError(t, e.Register(ctx, reviewGate(types.GateAsyncManual)))

	_, err := e.Decide(ctx, "review", true, "", "editor-1")
	assert.ErrorIs(t, err, ErrNotSubmitted)
}

func TestSyncManualGate(t *testing.T) {
	ctx := context.Background()

	t.Run("submit blocks until decided", func(t *testing.T) {
		e, _ := newEvaluator(t)
		require.NoError(t, e.Register(ctx, reviewGate(types.GateSyncManual)))

		done := make(chan types.Gate, 1)
		go func() {
			g, err := e.Submit(ctx, "review", map[string]interface{}{"draft": "v1"})
			assert.NoError(t, err)
			done <- g
		}()

		require.Eventually(t, func() bool {
			pending, err := e.Pending(ctx)
			return err == nil && len(pending) == 1
		}, time.Second, 5*time.Millisecond)

		_, err := e.Decide(ctx, "review", true, "approved live", "editor-1")
		require.NoError(t, err)

		select {
		case g := <-done:
			assert.Equal(t, types.GateApproved, g.Decision)
			assert.Equal(t, "editor-1", g.DecidedBy)
		case <-time.After(time.Second):
			t.Fatal("submitter did not wake")
		}
	})

	t.Run("timeout default auto-rejects", func(t *testing.T) {
		e, _ := newEvaluator(t, WithDefaultTimeout(20*time.Millisecond))
		require.NoError(t, e.Register(ctx, reviewGate(types.GateSyncManual)))

		g, err := e.Submit(ctx, "review", nil)
		require.NoError(t, err)
		assert.Equal(t, types.GateRejected, g.Decision)
		assert.Equal(t, "timeout", g.DecidedBy)
	})

	t.Run("timeout auto-approve policy", func(t *testing.T) {
		e, _ := newEvaluator(t, WithDefaultTimeout(20*time.Millisecond))
		g := reviewGate(types.GateSyncManual)
		g.OnTimeout = types.TimeoutAutoApprove
		require.NoError(t, e.Register(ctx, g))

		decided, err := e.Submit(ctx, "review", nil)
		require.NoError(t, err)
		assert.Equal(t, types.GateApproved, decided.Decision)
	})

	t.Run("timeout escalate leaves the gate pending", func(t *testing.T) {
		e, _ := newEvaluator(t, WithDefaultTimeout(20*time.Millisecond))
		g := reviewGate(types.GateSyncManual)
		g.OnTimeout = types.TimeoutEscalate
		require.NoError(t, e.Register(ctx, g))

		decided, err := e.Submit(ctx, "review", nil)
		assert.ErrorIs(t, err, ErrEscalated)
		assert.Equal(t, types.GatePending, decided.Decision)

		// An operator can still decide it afterwards.
		decided, err = e.Decide(ctx, "review", true, "escalation reviewed", "lead-1")
		require.NoError(t, err)
		assert.Equal(t, types.GateApproved, decided.Decision)
	})

	t.Run("per-gate timeout override", func(t *testing.T) {
		e, _ := newEvaluator(t, WithDefaultTimeout(time.Hour))
		g := reviewGate(types.GateSyncManual)
		g.TimeoutSec = 1
		require.NoError(t, e.Register(ctx, g))

		start := time.Now()
		decided, err := e.Submit(ctx, "review", nil)
		require.NoError(t, err)
		assert.Equal(t, types.GateRejected, decided.Decision)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("canceled context abandons the wait", func(t *testing.T) {
		e, _ := newEvaluator(t)
		require.NoError(t, e.Register(ctx, reviewGate(types.GateSyncManual)))

		waitCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := e.Submit(waitCtx, "review", nil)
			done <- err
		}()
		require.Eventually(t, func() bool {
			pending, err := e.Pending(ctx)
			return err == nil && len(pending) == 1
		}, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("submitter did not return on cancel")
		}
	})
}
