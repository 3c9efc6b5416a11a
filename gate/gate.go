// Package gate implements approval checkpoints. A gate blocks workflow
// progression until its submission is approved manually, automatically by
// policy predicate, or by timeout policy.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/refinerylabs/refinery/events"
	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/rules"
	"github.com/refinerylabs/refinery/storage"
	"github.com/refinerylabs/refinery/types"
)

// Standard error definitions
var (
	ErrAlreadyDecided = errors.New("gate already decided")
	ErrEscalated      = errors.New("gate decision escalated")
	ErrNoPredicate    = errors.New("policy gate has no predicate")
	ErrNotSubmitted   = errors.New("gate has no pending submission")
)

// Event type published on gate transitions.
const EventGateChanged = "gate_changed"

// PolicyDecider is recorded as the decider identity for policy-auto gates.
const PolicyDecider = "policy"

// Evaluator drives gates through pending -> approved|rejected.
type Evaluator struct {
	mu             sync.Mutex
	store          storage.Storage
	rules          rules.Evaluator
	led            ledger.Ledger
	bus            *events.EventBus
	waiters        map[string]chan types.Gate
	defaultTimeout time.Duration
	clock          func() time.Time
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithDefaultTimeout sets the wait bound for synchronous-manual gates that
// do not declare their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEventBus attaches a bus for gate transition events.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Evaluator) {
		e.bus = bus
	}
}

// NewEvaluator wires a gate evaluator to snapshot storage, the predicate
// evaluator, and the ledger.
func NewEvaluator(store storage.Storage, evaluator rules.Evaluator, led ledger.Ledger, opts ...Option) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	e := &Evaluator{
		store:          store,
		rules:          evaluator,
		led:            led,
		waiters:        make(map[string]chan types.Gate),
		defaultTimeout: time.Minute,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register persists a gate definition before first submission.
func (e *Evaluator) Register(ctx context.Context, g types.Gate) error {
	if g.ID == "" {
		return errors.New("gate ID cannot be empty")
	}
	if g.Mode == types.GatePolicyAuto && g.Predicate == "" {
		return fmt.Errorf("%w: id=%s", ErrNoPredicate, g.ID)
	}
	return e.store.SaveGate(ctx, g)
}

// Submit records the submission and sets the gate pending. Behavior then
// depends on the mode: policy-auto gates are decided inline from the
// predicate; asynchronous-manual gates return immediately; synchronous-manual
// gates block the calling execution context until a decision is recorded or
// the timeout policy fires. Submitting an already-decided gate returns the
// gate unchanged.
func (e *Evaluator) Submit(ctx context.Context, gateID string, payload map[string]interface{}) (types.Gate, error) {
	select {
	case <-ctx.Done():
		return types.Gate{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		e.mu.Unlock()
		return types.Gate{}, err
	}
	if g.Decided() {
		e.mu.Unlock()
		return g, nil
	}

	before := ledger.StateDigest(g)
	g.Submission = payload
	g.Decision = types.GatePending
	g.SubmittedAt = e.clock().UnixMilli()
	if err := e.store.SaveGate(ctx, g); err != nil {
		e.mu.Unlock()
		return types.Gate{}, err
	}
	if err := e.appendEntry(ctx, g, before, ledger.ActionGateSubmitted, ""); err != nil {
		e.mu.Unlock()
		return types.Gate{}, err
	}
	e.publish(ctx, g)

	switch g.Mode {
	case types.GatePolicyAuto:
		approved, rationale := e.runPredicate(g, payload)
		decided, err := e.decideLocked(ctx, g, approved, rationale, PolicyDecider)
		e.mu.Unlock()
		return decided, err

	case types.GateAsyncManual:
		e.mu.Unlock()
		return g, nil

	default: // synchronous-manual
		ch := make(chan types.Gate, 1)
		e.waiters[gateID] = ch
		e.mu.Unlock()
		return e.awaitDecision(ctx, g, ch)
	}
}

func (e *Evaluator) runPredicate(g types.Gate, payload map[string]interface{}) (bool, string) {
	if e.rules == nil || g.Predicate == "" {
		return false, "no predicate evaluator configured"
	}
	ok, err := e.rules.Evaluate(g.Predicate, payload)
	if err != nil {
		return false, fmt.Sprintf("predicate error: %v", err)
	}
	if ok {
		return true, fmt.Sprintf("predicate %q satisfied", g.Predicate)
	}
	return false, fmt.Sprintf("predicate %q not satisfied", g.Predicate)
}

// awaitDecision blocks the submitter until Decide fires or the timeout
// policy resolves the gate. Only the requesting execution context is
// suspended; queues and other actors keep making progress.
func (e *Evaluator) awaitDecision(ctx context.Context, g types.Gate, ch chan types.Gate) (types.Gate, error) {
	timeout := e.defaultTimeout
	if g.TimeoutSec > 0 {
		timeout = time.Duration(g.TimeoutSec) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decided := <-ch:
		return decided, nil

	case <-ctx.Done():
		e.dropWaiter(g.ID)
		return types.Gate{}, ctx.Err()

	case <-timer.C:
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.waiters, g.ID)

		// A decision may have landed between the timer firing and the lock.
		current, err := e.store.GetGate(ctx, g.ID)
		if err != nil {
			return types.Gate{}, err
		}
		if current.Decided() {
			return current, nil
		}

		switch g.OnTimeout {
		case types.TimeoutAutoApprove:
			return e.decideLocked(ctx, current, true, "timeout policy auto-approve", "timeout")
		case types.TimeoutEscalate:
			return current, fmt.Errorf("%w: id=%s", ErrEscalated, g.ID)
		default:
			return e.decideLocked(ctx, current, false, "timeout policy auto-reject", "timeout")
		}
	}
}

func (e *Evaluator) dropWaiter(gateID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, gateID)
}

// Decide records a decision. It is idempotent in the failure direction: a
// second decision on an already-decided gate fails with ErrAlreadyDecided
// and changes nothing.
func (e *Evaluator) Decide(ctx context.Context, gateID string, approved bool, rationale, decider string) (types.Gate, error) {
	select {
	case <-ctx.Done():
		return types.Gate{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return types.Gate{}, err
	}
	if g.Decided() {
		return g, fmt.Errorf("%w: id=%s decision=%s", ErrAlreadyDecided, gateID, g.Decision)
	}
	if g.Decision != types.GatePending {
		return g, fmt.Errorf("%w: id=%s", ErrNotSubmitted, gateID)
	}
	return e.decideLocked(ctx, g, approved, rationale, decider)
}

// decideLocked finalizes the decision, persists it, ledgers it, and wakes
// any synchronous waiter. Caller holds e.mu.
func (e *Evaluator) decideLocked(ctx context.Context, g types.Gate, approved bool, rationale, decider string) (types.Gate, error) {
	before := ledger.StateDigest(g)
	if approved {
		g.Decision = types.GateApproved
	} else {
		g.Decision = types.GateRejected
	}
	g.Rationale = rationale
	g.DecidedBy = decider
	g.DecidedAt = e.clock().UnixMilli()

	if err := e.store.SaveGate(ctx, g); err != nil {
		return types.Gate{}, err
	}
	action := ledger.ActionGateApproved
	if !approved {
		action = ledger.ActionGateRejected
	}
	if err := e.appendEntry(ctx, g, before, action, decider); err != nil {
		return types.Gate{}, err
	}
	e.publish(ctx, g)

	if ch, ok := e.waiters[g.ID]; ok {
		delete(e.waiters, g.ID)
		select {
		case ch <- g:
		default:
		}
	}
	return g, nil
}

// Get returns a gate snapshot.
func (e *Evaluator) Get(ctx context.Context, gateID string) (types.Gate, error) {
	return e.store.GetGate(ctx, gateID)
}

// Pending lists gates awaiting a decision.
func (e *Evaluator) Pending(ctx context.Context) ([]types.Gate, error) {
	gates, err := e.store.ListGates(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Gate
	for _, g := range gates {
		if g.Decision == types.GatePending {
			out = append(out, g)
		}
	}
	return out, nil
}

func (e *Evaluator) appendEntry(ctx context.Context, g types.Gate, before, action, actor string) error {
	_, err := e.led.Append(ctx, types.LedgerEntry{
		MoleculeID: g.MoleculeID,
		Actor:      actor,
		Action:     action,
		Target:     "gate:" + g.ID,
		Before:     before,
		After:      ledger.StateDigest(g),
	})
	return err
}

func (e *Evaluator) publish(ctx context.Context, g types.Gate) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.Event{
		Type:       EventGateChanged,
		Entity:     "gate",
		EntityID:   g.ID,
		MoleculeID: g.MoleculeID,
		Data: map[string]interface{}{
			"decision": g.Decision,
			"mode":     g.Mode,
		},
	})
}
