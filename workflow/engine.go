// Package workflow implements the molecule engine: it validates molecule
// definitions, drives their steps through the capability-matched work
// queues and approval gates, checkpoints progress after every transition,
// and recovers from crashes by replaying the ledger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/refinerylabs/refinery/events"
	"github.com/refinerylabs/refinery/gate"
	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/match"
	"github.com/refinerylabs/refinery/queue"
	"github.com/refinerylabs/refinery/raci"
	"github.com/refinerylabs/refinery/rules"
	"github.com/refinerylabs/refinery/storage"
	"github.com/refinerylabs/refinery/types"
)

// Standard error definitions
var (
	ErrValidation       = errors.New("invalid molecule definition")
	ErrMoleculeNotFound = errors.New("molecule not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrNoSteps          = errors.New("molecule has no steps")
	ErrNotDraft         = errors.New("molecule is not in draft")
	ErrNotActive        = errors.New("molecule is not active")
	ErrTerminal         = errors.New("molecule is terminal")
	ErrGateRejected     = errors.New("gate rejected")
)

// Event types published by the engine.
const (
	EventMoleculeChanged = "molecule_changed"
	EventStepChanged     = "step_changed"
	EventStepUnstaffed   = "step_unstaffed"
	EventErrorOccurred   = "error_occurred"
)

// Engine coordinates molecules, queues, and gates while persisting snapshots
// and appending every accepted transition to the ledger.
type Engine struct {
	mu                sync.Mutex
	molecules         map[uint64]types.Molecule
	store             storage.Storage
	led               ledger.Ledger
	queues            *queue.QueueSet
	gates             *gate.Evaluator
	bus               *events.EventBus
	generate          generator.Generator
	clock             func() time.Time
	retryBase         time.Duration
	defaultMaxRetries int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRetryBase sets the first retry delay; each further retry doubles it.
// Zero re-enqueues failed steps immediately.
func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) {
		e.retryBase = d
	}
}

// WithDefaultMaxRetries sets the retry bound for steps that declare none.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithEventBus attaches a bus for engine transition events.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// NewEngine creates a molecule engine over the given collaborators. Storage
// defaults to in-memory when nil.
func NewEngine(generate generator.Generator, store storage.Storage, led ledger.Ledger, queues *queue.QueueSet, gates *gate.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if queues == nil {
		return nil, errors.New("queue set is required")
	}
	if gates == nil {
		return nil, errors.New("gate evaluator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		molecules:         make(map[uint64]types.Molecule),
		store:             store,
		led:               led,
		queues:            queues,
		gates:             gates,
		generate:          generate,
		clock:             time.Now,
		retryBase:         time.Second,
		defaultMaxRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Submit validates and registers a molecule in draft status. Validation
// failures are rejected before any state mutation.
func (e *Engine) Submit(ctx context.Context, m types.Molecule) (types.Molecule, error) {
	select {
	case <-ctx.Done():
		return types.Molecule{}, ctx.Err()
	default:
	}

	if err := validate(m); err != nil {
		return types.Molecule{}, err
	}

	if m.ID == 0 {
		id, err := e.generate.NextID()
		if err != nil {
			return types.Molecule{}, fmt.Errorf("failed to generate molecule ID: %w", err)
		}
		m.ID = id
	}
	now := e.clock().UnixMilli()
	m.Status = types.MoleculeDraft
	m.CreatedAt = now
	m.UpdatedAt = now
	for i := range m.Steps {
		m.Steps[i].Status = types.StepPending
		m.Steps[i].Attempts = 0
		m.Steps[i].WorkItemID = 0
	}
	for i := range m.Gates {
		m.Gates[i].MoleculeID = m.ID
		m.Gates[i].Decision = ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveMoleculeLocked(ctx, m); err != nil {
		return types.Molecule{}, err
	}
	if err := e.appendMolecule(ctx, m, "", ledger.ActionMoleculeRegistered); err != nil {
		return types.Molecule{}, err
	}
	e.publishMolecule(ctx, m)
	return m, nil
}

// validate rejects malformed definitions: missing steps, duplicate or
// unknown IDs, cyclic dependencies, RACI violations, dangling gates.
func validate(m types.Molecule) error {
	if len(m.Steps) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoSteps)
	}

	stepIDs := make(map[string]bool, len(m.Steps))
	for _, step := range m.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step ID cannot be empty", ErrValidation)
		}
		if stepIDs[step.ID] {
			return fmt.Errorf("%w: duplicate step ID %q", ErrValidation, step.ID)
		}
		stepIDs[step.ID] = true
	}

	for _, step := range m.Steps {
		for _, dep := range step.DependsOn {
			if !stepIDs[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrValidation, step.ID, dep)
			}
		}
	}

	if cycle := findCycle(m.Steps); cycle != "" {
		return fmt.Errorf("%w: dependency cycle through step %q", ErrValidation, cycle)
	}

	if err := raci.ValidateAll(m.Steps); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	gateIDs := make(map[string]string, len(m.Gates))
	for _, g := range m.Gates {
		if g.ID == "" {
			return fmt.Errorf("%w: gate ID cannot be empty", ErrValidation)
		}
		if _, dup := gateIDs[g.ID]; dup {
			return fmt.Errorf("%w: duplicate gate ID %q", ErrValidation, g.ID)
		}
		if g.Mode == types.GatePolicyAuto && g.Predicate == "" {
			return fmt.Errorf("%w: policy gate %q has no predicate", ErrValidation, g.ID)
		}
		gateIDs[g.ID] = g.StepID
	}
	for _, step := range m.Steps {
		if step.GateID == "" {
			continue
		}
		stepID, ok := gateIDs[step.GateID]
		if !ok {
			return fmt.Errorf("%w: step %q references unknown gate %q", ErrValidation, step.ID, step.GateID)
		}
		if stepID != "" && stepID != step.ID {
			return fmt.Errorf("%w: gate %q is bound to step %q, not %q", ErrValidation, step.GateID, stepID, step.ID)
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns a
// step on a cycle, or "".
func findCycle(steps []types.Step) string {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		deps[step.ID] = step.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, step := range steps {
		if color[step.ID] == white {
			if found := visit(step.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// Start activates a draft molecule: gates are registered with the evaluator
// and the initially-ready steps are materialized into eligible queues.
func (e *Engine) Start(ctx context.Context, moleculeID uint64) (types.Molecule, error) {
	select {
	case <-ctx.Done():
		return types.Molecule{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.getMoleculeLocked(ctx, moleculeID)
	if err != nil {
		return types.Molecule{}, err
	}
	if m.Status != types.MoleculeDraft {
		return types.Molecule{}, fmt.Errorf("%w: id=%d status=%s", ErrNotDraft, moleculeID, m.Status)
	}

	before := ledger.StateDigest(m)
	m.Status = types.MoleculeActive
	m.UpdatedAt = e.clock().UnixMilli()
	for _, g := range m.Gates {
		if err := e.gates.Register(ctx, g); err != nil {
			return types.Molecule{}, err
		}
	}
	if err := e.appendMolecule(ctx, m, before, ledger.ActionMoleculeActivated); err != nil {
		return types.Molecule{}, err
	}
	e.publishMolecule(ctx, m)

	if err := e.advanceLocked(ctx, &m); err != nil {
		return types.Molecule{}, err
	}
	if err := e.saveMoleculeLocked(ctx, m); err != nil {
		return types.Molecule{}, err
	}
	if err := e.checkpointLocked(ctx, m, "activated"); err != nil {
		return types.Molecule{}, err
	}
	return m, nil
}

// advanceLocked materializes every newly-ready step and finalizes the
// molecule when all steps are terminal. Caller holds e.mu.
func (e *Engine) advanceLocked(ctx context.Context, m *types.Molecule) error {
	if m.Status != types.MoleculeActive {
		return nil
	}

	for i := range m.Steps {
		step := &m.Steps[i]
		if step.Status != types.StepPending {
			continue
		}
		if !e.depsSatisfied(m, step) {
			continue
		}
		if err := e.enqueueStepLocked(ctx, m, step); err != nil {
			return err
		}
	}

	if e.allStepsSettled(m) {
		before := ledger.StateDigest(*m)
		m.Status = types.MoleculeCompleted
		m.UpdatedAt = e.clock().UnixMilli()
		if err := e.appendMolecule(ctx, *m, before, ledger.ActionMoleculeCompleted); err != nil {
			return err
		}
		e.publishMolecule(ctx, *m)
	}
	return nil
}

// depsSatisfied applies the topological unlock rule: every dependency must
// be done (or skipped, unless the molecule blocks on skips), and a
// dependency's gate, if any, must be approved.
func (e *Engine) depsSatisfied(m *types.Molecule, step *types.Step) bool {
	for _, depID := range step.DependsOn {
		dep := m.StepByID(depID)
		if dep == nil {
			return false
		}
		switch dep.Status {
		case types.StepDone:
			if dep.GateID != "" {
				g := m.GateByID(dep.GateID)
				if g == nil || g.Decision != types.GateApproved {
					return false
				}
			}
		case types.StepSkipped:
			if m.SkipBlocksDependents {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// allStepsSettled reports whether no step can make further progress toward
// done: everything is done or skipped, and every done step's gate is
// approved. An undecided gate keeps the molecule active even when all its
// steps have finished executing.
func (e *Engine) allStepsSettled(m *types.Molecule) bool {
	for _, step := range m.Steps {
		switch step.Status {
		case types.StepSkipped:
		case types.StepDone:
			if step.GateID != "" {
				g := m.GateByID(step.GateID)
				if g == nil || g.Decision != types.GateApproved {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// enqueueStepLocked materializes one step as a work item in every eligible
// queue, or holds it with an unstaffed diagnostic.
func (e *Engine) enqueueStepLocked(ctx context.Context, m *types.Molecule, step *types.Step) error {
	item := types.WorkItem{
		MoleculeID: m.ID,
		StepID:     step.ID,
		Requires:   step.Requires,
		Payload:    step.Payload,
		Priority:   step.Priority,
	}
	stored, err := e.queues.Enqueue(ctx, item)
	var unstaffed *match.Unstaffed
	if errors.As(err, &unstaffed) {
		step.Status = types.StepHeld
		if aerr := e.appendStep(ctx, m.ID, *step, ledger.ActionStepHeld, ""); aerr != nil {
			return aerr
		}
		e.publishStep(ctx, m.ID, *step, EventStepUnstaffed, map[string]interface{}{
			"requires": step.Requires,
			"reason":   unstaffed.Error(),
		})
		return nil
	}
	if err != nil {
		return err
	}

	step.Status = types.StepQueued
	step.WorkItemID = stored.ID
	if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepReady, ""); err != nil {
		return err
	}
	e.publishStep(ctx, m.ID, *step, EventStepChanged, map[string]interface{}{
		"status": step.Status, "work_item": stored.ID,
	})
	return nil
}

// FinishItem reports the outcome of an executed work item. On success the
// step is marked done, its gate (if any) is submitted, and newly-unlocked
// steps are enqueued. On failure the molecule's failure policy applies.
// This is called from the claiming actor's execution context, so a
// synchronous-manual gate suspends only that actor.
func (e *Engine) FinishItem(ctx context.Context, itemID uint64, result interface{}, execErr error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	item, err := e.queues.Get(ctx, itemID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	m, err := e.getMoleculeLocked(ctx, item.MoleculeID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	step := m.StepByID(item.StepID)
	if step == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, item.StepID)
	}

	if execErr != nil {
		if ferr := e.queues.Fail(ctx, itemID, execErr.Error()); ferr != nil {
			e.mu.Unlock()
			return ferr
		}
		err := e.handleStepFailureLocked(ctx, &m, step, execErr)
		if err == nil {
			err = e.saveMoleculeLocked(ctx, m)
		}
		if err == nil {
			err = e.checkpointLocked(ctx, m, fmt.Sprintf("step-%s-%s", step.ID, step.Status))
		}
		e.mu.Unlock()
		return err
	}

	if cerr := e.queues.Complete(ctx, itemID, result); cerr != nil {
		e.mu.Unlock()
		return cerr
	}
	step.Status = types.StepDone
	if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepDone, item.ClaimedBy); err != nil {
		e.mu.Unlock()
		return err
	}
	e.publishStep(ctx, m.ID, *step, EventStepChanged, map[string]interface{}{"status": step.Status})

	var pendingGate string
	if step.GateID != "" {
		if g := m.GateByID(step.GateID); g != nil && !g.Decided() {
			pendingGate = g.ID
		}
	}

	// Advance before checkpointing so a completion reached here is captured
	// by the snapshot.
	if pendingGate == "" {
		if err := e.advanceLocked(ctx, &m); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	if err := e.saveMoleculeLocked(ctx, m); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.checkpointLocked(ctx, m, fmt.Sprintf("step-%s-done", step.ID)); err != nil {
		e.mu.Unlock()
		return err
	}
	if pendingGate == "" {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// Gate submission happens outside the engine lock: synchronous gates
	// block this execution context until decided or timed out.
	decided, err := e.gates.Submit(ctx, pendingGate, rules.Submission(m.ID, step.ID, result, item.Attempts))
	if errors.Is(err, gate.ErrEscalated) {
		return nil
	}
	if err != nil {
		return err
	}
	if !decided.Decided() {
		return nil
	}
	return e.applyGateOutcome(ctx, decided)
}

// DecideGate records a manual decision and applies its consequences to the
// owning molecule. A second decision fails with gate.ErrAlreadyDecided.
func (e *Engine) DecideGate(ctx context.Context, gateID string, approved bool, rationale, decider string) (types.Gate, error) {
	decided, err := e.gates.Decide(ctx, gateID, approved, rationale, decider)
	if err != nil {
		return decided, err
	}
	return decided, e.applyGateOutcome(ctx, decided)
}

// applyGateOutcome unlocks dependents on approval, or fails the gated step
// under the molecule's failure policy on rejection. Safe to call more than
// once for the same decision.
func (e *Engine) applyGateOutcome(ctx context.Context, g types.Gate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.getMoleculeLocked(ctx, g.MoleculeID)
	if err != nil {
		return err
	}
	if m.Terminal() {
		return nil
	}
	if snapshot := m.GateByID(g.ID); snapshot != nil {
		*snapshot = g
	}
	step := m.StepByID(g.StepID)
	if step == nil {
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, g.StepID)
	}

	if g.Decision == types.GateApproved {
		if err := e.advanceLocked(ctx, &m); err != nil {
			return err
		}
		if err := e.saveMoleculeLocked(ctx, m); err != nil {
			return err
		}
		return e.checkpointLocked(ctx, m, fmt.Sprintf("gate-%s-approved", g.ID))
	}

	// Rejection fails the gated step only; wider propagation is the
	// molecule failure policy's call.
	if step.Status == types.StepDone {
		if err := e.handleStepFailureLocked(ctx, &m, step, fmt.Errorf("%w: gate=%s rationale=%s", ErrGateRejected, g.ID, g.Rationale)); err != nil {
			return err
		}
		if err := e.saveMoleculeLocked(ctx, m); err != nil {
			return err
		}
		return e.checkpointLocked(ctx, m, fmt.Sprintf("gate-%s-rejected", g.ID))
	}
	return nil
}

// handleStepFailureLocked applies the molecule failure policy to a step
// whose execution (or gate) failed. Caller holds e.mu.
func (e *Engine) handleStepFailureLocked(ctx context.Context, m *types.Molecule, step *types.Step, cause error) error {
	step.Attempts++
	e.publishStep(ctx, m.ID, *step, EventErrorOccurred, map[string]interface{}{
		"error": cause.Error(), "attempts": step.Attempts,
	})

	policy := m.OnFailure
	if policy == "" {
		policy = types.PolicyAbort
	}

	switch policy {
	case types.PolicyRetry:
		if errors.Is(cause, ErrGateRejected) {
			// A decided gate cannot be resubmitted; retrying would loop.
			break
		}
		bound := step.MaxRetries
		if bound == 0 {
			bound = e.defaultMaxRetries
		}
		if step.Attempts <= bound {
			step.Status = types.StepPending
			step.WorkItemID = 0
			if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepRetried, ""); err != nil {
				return err
			}
			delay := e.retryBase
			if delay > 0 {
				delay <<= uint(step.Attempts - 1)
			}
			if delay <= 0 {
				return e.enqueueStepLocked(ctx, m, step)
			}
			e.scheduleRetry(m.ID, step.ID, delay)
			return nil
		}

	case types.PolicySkip:
		if errors.Is(cause, ErrGateRejected) {
			step.Status = types.StepFailed
			if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepFailed, ""); err != nil {
				return err
			}
		} else {
			step.Status = types.StepSkipped
			if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepSkipped, ""); err != nil {
				return err
			}
		}
		m.Degraded = true
		e.publishStep(ctx, m.ID, *step, EventStepChanged, map[string]interface{}{"status": step.Status})
		if step.Status == types.StepFailed || m.SkipBlocksDependents {
			if err := e.cascadeSkipLocked(ctx, m, step.ID); err != nil {
				return err
			}
		}
		return e.advanceLocked(ctx, m)
	}

	// Abort (and retry exhaustion): the step fails terminally and the
	// molecule fails with it. Completed steps keep their side effects.
	step.Status = types.StepFailed
	if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepFailed, ""); err != nil {
		return err
	}
	e.publishStep(ctx, m.ID, *step, EventStepChanged, map[string]interface{}{"status": step.Status})
	return e.failMoleculeLocked(ctx, m, ledger.ActionMoleculeFailed)
}

// cascadeSkipLocked marks every not-yet-settled transitive dependent of a
// step as skipped.
func (e *Engine) cascadeSkipLocked(ctx context.Context, m *types.Molecule, rootID string) error {
	blocked := map[string]bool{rootID: true}
	for changed := true; changed; {
		changed = false
		for i := range m.Steps {
			step := &m.Steps[i]
			if blocked[step.ID] {
				continue
			}
			for _, dep := range step.DependsOn {
				if blocked[dep] {
					blocked[step.ID] = true
					changed = true
					break
				}
			}
		}
	}
	for i := range m.Steps {
		step := &m.Steps[i]
		if step.ID == rootID || !blocked[step.ID] {
			continue
		}
		switch step.Status {
		case types.StepPending, types.StepHeld:
			step.Status = types.StepSkipped
			m.Degraded = true
			if err := e.appendStep(ctx, m.ID, *step, ledger.ActionStepSkipped, ""); err != nil {
				return err
			}
			e.publishStep(ctx, m.ID, *step, EventStepChanged, map[string]interface{}{"status": step.Status})
		}
	}
	return nil
}

// failMoleculeLocked marks the molecule failed, drops its still-queued
// items, and leaves claimed items to finish naturally.
func (e *Engine) failMoleculeLocked(ctx context.Context, m *types.Molecule, action string) error {
	if m.Terminal() {
		return nil
	}
	before := ledger.StateDigest(*m)
	m.Status = types.MoleculeFailed
	m.UpdatedAt = e.clock().UnixMilli()
	if _, err := e.queues.DropQueued(ctx, m.ID); err != nil {
		return err
	}
	if err := e.appendMolecule(ctx, *m, before, action); err != nil {
		return err
	}
	e.publishMolecule(ctx, *m)
	return nil
}

// scheduleRetry re-enqueues a retried step after its backoff delay, provided
// the molecule is still active and the step still pending.
func (e *Engine) scheduleRetry(moleculeID uint64, stepID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		e.mu.Lock()
		defer e.mu.Unlock()
		m, err := e.getMoleculeLocked(ctx, moleculeID)
		if err != nil || m.Status != types.MoleculeActive {
			return
		}
		step := m.StepByID(stepID)
		if step == nil || step.Status != types.StepPending {
			return
		}
		if err := e.enqueueStepLocked(ctx, &m, step); err != nil {
			return
		}
		_ = e.saveMoleculeLocked(ctx, m)
	})
}

// Abort marks the molecule failed, releases its queued items, and leaves
// in-flight claimed items to finish or time out naturally.
func (e *Engine) Abort(ctx context.Context, moleculeID uint64) (types.Molecule, error) {
	select {
	case <-ctx.Done():
		return types.Molecule{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.getMoleculeLocked(ctx, moleculeID)
	if err != nil {
		return types.Molecule{}, err
	}
	if m.Terminal() {
		return types.Molecule{}, fmt.Errorf("%w: id=%d status=%s", ErrTerminal, moleculeID, m.Status)
	}
	if err := e.failMoleculeLocked(ctx, &m, ledger.ActionMoleculeAborted); err != nil {
		return types.Molecule{}, err
	}
	if err := e.saveMoleculeLocked(ctx, m); err != nil {
		return types.Molecule{}, err
	}
	if err := e.checkpointLocked(ctx, m, "aborted"); err != nil {
		return types.Molecule{}, err
	}
	return m, nil
}

// Archive moves a terminal molecule out of the active working set. Its
// ledger history is retained.
func (e *Engine) Archive(ctx context.Context, moleculeID uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.getMoleculeLocked(ctx, moleculeID)
	if err != nil {
		return err
	}
	if err := e.store.ArchiveMolecule(ctx, moleculeID); err != nil {
		return err
	}
	delete(e.molecules, moleculeID)
	return e.appendMolecule(ctx, m, ledger.StateDigest(m), ledger.ActionMoleculeArchived)
}

// RegisterActor adds an actor to the roster and retries any steps held for
// lack of eligible actors.
func (e *Engine) RegisterActor(ctx context.Context, actor types.Actor) error {
	if err := e.queues.RegisterActor(ctx, actor); err != nil {
		return err
	}
	if err := e.store.SaveActor(ctx, actor); err != nil {
		return err
	}
	return e.retryHeld(ctx)
}

// retryHeld re-attempts materialization of held steps across all active
// molecules, typically after a roster change.
func (e *Engine) retryHeld(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	molecules, err := e.store.ListMolecules(ctx)
	if err != nil {
		return err
	}
	for _, m := range molecules {
		if m.Status != types.MoleculeActive {
			continue
		}
		changed := false
		for i := range m.Steps {
			if m.Steps[i].Status == types.StepHeld {
				m.Steps[i].Status = types.StepPending
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := e.advanceLocked(ctx, &m); err != nil {
			return err
		}
		if err := e.saveMoleculeLocked(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat records actor liveness.
func (e *Engine) Heartbeat(ctx context.Context, actorID string) error {
	return e.queues.Heartbeat(ctx, actorID)
}

// ClaimWork atomically claims the next work item visible to the actor.
// Returns (nil, nil) when the actor's queue has nothing claimable.
func (e *Engine) ClaimWork(ctx context.Context, actorID string) (*types.WorkItem, error) {
	return e.queues.Claim(ctx, actorID)
}

// BeginWork marks a claimed item in progress.
func (e *Engine) BeginWork(ctx context.Context, itemID uint64, actorID string) error {
	return e.queues.Begin(ctx, itemID, actorID)
}

// Reap releases claims held by actors that stopped heartbeating.
func (e *Engine) Reap(ctx context.Context) ([]uint64, error) {
	return e.queues.Reap(ctx)
}

// RunReaper periodically reaps expired claims until the context is done.
func (e *Engine) RunReaper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.Reap(ctx)
		}
	}
}

// Molecules lists the active working set.
func (e *Engine) Molecules(ctx context.Context) ([]types.Molecule, error) {
	return e.store.ListMolecules(ctx)
}

// Molecule returns one molecule's current state.
func (e *Engine) Molecule(ctx context.Context, moleculeID uint64) (types.Molecule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getMoleculeLocked(ctx, moleculeID)
}

// PendingGates lists gates awaiting a decision.
func (e *Engine) PendingGates(ctx context.Context) ([]types.Gate, error) {
	return e.gates.Pending(ctx)
}

// QueueDepths reports claimable items per actor.
func (e *Engine) QueueDepths() map[string]int {
	return e.queues.Depths()
}

// LedgerEntries returns a molecule's full audit history in append order.
func (e *Engine) LedgerEntries(ctx context.Context, moleculeID uint64) ([]types.LedgerEntry, error) {
	return e.led.Entries(ctx, moleculeID)
}

// Actors lists the registered actors.
func (e *Engine) Actors(ctx context.Context) ([]types.Actor, error) {
	return e.queues.Actors(ctx)
}

// getMoleculeLocked retrieves a molecule, checking cache first then storage.
func (e *Engine) getMoleculeLocked(ctx context.Context, moleculeID uint64) (types.Molecule, error) {
	if m, ok := e.molecules[moleculeID]; ok {
		return m, nil
	}
	m, err := e.store.GetMolecule(ctx, moleculeID)
	if err != nil {
		if errors.Is(err, storage.ErrMoleculeNotFound) {
			return types.Molecule{}, fmt.Errorf("%w: id=%d", ErrMoleculeNotFound, moleculeID)
		}
		return types.Molecule{}, fmt.Errorf("failed to get molecule: %w", err)
	}
	e.molecules[m.ID] = m
	return m, nil
}

// saveMoleculeLocked saves a molecule to both cache and storage.
func (e *Engine) saveMoleculeLocked(ctx context.Context, m types.Molecule) error {
	m.UpdatedAt = e.clock().UnixMilli()
	if err := e.store.SaveMolecule(ctx, m); err != nil {
		return fmt.Errorf("failed to save molecule: %w", err)
	}
	e.molecules[m.ID] = m
	return nil
}

// checkpointLocked persists a named snapshot capturing step statuses, gate
// decisions, and queue depths. Together with the ledger this is enough to
// reconstruct progress.
func (e *Engine) checkpointLocked(ctx context.Context, m types.Molecule, name string) error {
	cp := types.Checkpoint{
		Name:           name,
		MoleculeID:     m.ID,
		TakenAt:        e.clock().UnixMilli(),
		MoleculeStatus: m.Status,
		Degraded:       m.Degraded,
		Steps:          make(map[string]types.StepStatus, len(m.Steps)),
		Gates:          make(map[string]types.GateDecision, len(m.Gates)),
		QueueDepths:    e.queues.Depths(),
	}
	for _, step := range m.Steps {
		cp.Steps[step.ID] = step.Status
	}
	for _, g := range m.Gates {
		if current, err := e.gates.Get(ctx, g.ID); err == nil {
			cp.Gates[g.ID] = current.Decision
		} else {
			cp.Gates[g.ID] = g.Decision
		}
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	_, err := e.led.Append(ctx, types.LedgerEntry{
		MoleculeID: m.ID,
		Action:     ledger.ActionCheckpointTaken,
		Target:     "checkpoint:" + name,
		After:      ledger.StateDigest(cp),
	})
	return err
}

func (e *Engine) appendMolecule(ctx context.Context, m types.Molecule, before, action string) error {
	_, err := e.led.Append(ctx, types.LedgerEntry{
		MoleculeID: m.ID,
		Action:     action,
		Target:     fmt.Sprintf("molecule:%d", m.ID),
		Before:     before,
		After:      ledger.StateDigest(m),
	})
	return err
}

func (e *Engine) appendStep(ctx context.Context, moleculeID uint64, step types.Step, action, actor string) error {
	_, err := e.led.Append(ctx, types.LedgerEntry{
		MoleculeID: moleculeID,
		Actor:      actor,
		Action:     action,
		Target:     "step:" + step.ID,
		After:      ledger.StateDigest(step),
	})
	return err
}

func (e *Engine) publishMolecule(ctx context.Context, m types.Molecule) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.Event{
		Type:       EventMoleculeChanged,
		Entity:     "molecule",
		EntityID:   fmt.Sprintf("%d", m.ID),
		MoleculeID: m.ID,
		Data: map[string]interface{}{
			"status": m.Status, "degraded": m.Degraded,
		},
	})
}

func (e *Engine) publishStep(ctx context.Context, moleculeID uint64, step types.Step, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.Event{
		Type:       eventType,
		Entity:     "step",
		EntityID:   step.ID,
		MoleculeID: moleculeID,
		Data:       data,
	})
}

// stepIDFromTarget extracts the step ID from a ledger entry target.
func stepIDFromTarget(target string) (string, bool) {
	return strings.CutPrefix(target, "step:")
}

// gateIDFromTarget extracts the gate ID from a ledger entry target.
func gateIDFromTarget(target string) (string, bool) {
	return strings.CutPrefix(target, "gate:")
}
