// Package queue implements per-actor pull-based work queues. An item is
// fanned out to every eligible actor's queue; exactly one actor claims it.
// Every accepted transition is appended to the ledger.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/refinerylabs/refinery/events"
	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/match"
	"github.com/refinerylabs/refinery/types"
)

// Standard error definitions
var (
	ErrItemNotFound  = errors.New("work item not found")
	ErrActorNotFound = errors.New("actor not found")
	ErrNotClaimed    = errors.New("work item is not claimed")
	ErrNotQueued     = errors.New("work item is not queued")
	ErrItemTerminal  = errors.New("work item is terminal")
	ErrNotEligible   = errors.New("actor is not eligible for work item")
)

// Event types published by the queue set.
const (
	EventItemChanged  = "item_changed"
	EventActorChanged = "actor_changed"
)

// ReaperActor is recorded as the acting identity for automatic releases.
const ReaperActor = "reaper"

// QueueSet owns every actor's queue plus the shared item table. All
// mutations go through the atomic claim/release/complete operations; no
// caller holds a lock across an execution step.
type QueueSet struct {
	mu       sync.Mutex
	items    map[uint64]*types.WorkItem
	queues   map[string][]uint64
	actors   map[string]*types.Actor
	roster   *match.Roster
	led      ledger.Ledger
	bus      *events.EventBus
	generate generator.Generator
	claimTTL time.Duration
	clock    func() time.Time
}

// Option customizes a QueueSet.
type Option func(*QueueSet)

// WithClaimTTL sets how long a claim survives without a heartbeat before the
// reaper releases it.
func WithClaimTTL(ttl time.Duration) Option {
	return func(q *QueueSet) {
		if ttl > 0 {
			q.claimTTL = ttl
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(q *QueueSet) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithEventBus attaches a bus for transition events.
func WithEventBus(bus *events.EventBus) Option {
	return func(q *QueueSet) {
		q.bus = bus
	}
}

// NewQueueSet creates an empty queue set backed by the given ledger.
func NewQueueSet(generate generator.Generator, led ledger.Ledger, opts ...Option) (*QueueSet, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	q := &QueueSet{
		items:    make(map[uint64]*types.WorkItem),
		queues:   make(map[string][]uint64),
		actors:   make(map[string]*types.Actor),
		roster:   match.NewRoster(),
		led:      led,
		generate: generate,
		claimTTL: 30 * time.Second,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// RegisterActor adds an actor and its (initially empty) queue.
func (q *QueueSet) RegisterActor(ctx context.Context, actor types.Actor) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	actor.LastHeartbeat = q.clock().UnixMilli()
	q.actors[actor.ID] = &actor
	if _, ok := q.queues[actor.ID]; !ok {
		q.queues[actor.ID] = nil
	}
	q.roster.Add(actor)
	q.publish(ctx, EventActorChanged, "actor", actor.ID, 0, map[string]interface{}{"registered": true})
	return nil
}

// RemoveActor releases the actor's claimed items back to queued and drops
// its queue.
func (q *QueueSet) RemoveActor(ctx context.Context, actorID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.actors[actorID]; !ok {
		return fmt.Errorf("%w: id=%s", ErrActorNotFound, actorID)
	}
	for _, item := range q.items {
		if item.ClaimedBy == actorID && (item.Status == types.ItemClaimed || item.Status == types.ItemInProgress) {
			q.releaseLocked(ctx, item, ReaperActor)
		}
	}
	delete(q.actors, actorID)
	delete(q.queues, actorID)
	q.roster.Remove(actorID)
	q.publish(ctx, EventActorChanged, "actor", actorID, 0, map[string]interface{}{"removed": true})
	return nil
}

// Actors returns a snapshot of the registered actors.
func (q *QueueSet) Actors(ctx context.Context) ([]types.Actor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Actor, 0, len(q.actors))
	for _, a := range q.actors {
		out = append(out, *a)
	}
	return out, nil
}

// Eligible resolves the actor IDs able to claim the given requirement set.
func (q *QueueSet) Eligible(requires []string) ([]string, error) {
	return q.roster.Eligible(requires)
}

// Enqueue fans the item out to every eligible actor's queue with status
// queued. It fails with match.Unstaffed when no eligible actor exists.
func (q *QueueSet) Enqueue(ctx context.Context, item types.WorkItem) (types.WorkItem, error) {
	select {
	case <-ctx.Done():
		return types.WorkItem{}, ctx.Err()
	default:
	}

	eligible, err := q.roster.Eligible(item.Requires)
	if err != nil {
		return types.WorkItem{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == 0 {
		id, err := q.generate.NextID()
		if err != nil {
			return types.WorkItem{}, fmt.Errorf("failed to generate item ID: %w", err)
		}
		item.ID = id
	}
	now := q.clock().UnixMilli()
	item.Status = types.ItemQueued
	item.ClaimedBy = ""
	item.Eligible = eligible
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	// Ledger first: an item that cannot be ledgered never becomes claimable.
	stored := item
	if err := q.append(ctx, stored, "", ledger.ActionItemEnqueued, ""); err != nil {
		return types.WorkItem{}, err
	}
	q.items[item.ID] = &stored
	for _, actorID := range eligible {
		q.queues[actorID] = append(q.queues[actorID], item.ID)
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(item.ID), item.MoleculeID, map[string]interface{}{
		"status": stored.Status, "eligible": eligible,
	})
	return stored, nil
}

// Claim atomically hands the highest-priority queued item visible to the
// actor over to it, removing the item from every other queue. Exactly one
// concurrent caller succeeds per item; everyone else simply moves on to the
// next candidate. Returns (nil, nil) when the queue has nothing claimable.
func (q *QueueSet) Claim(ctx context.Context, actorID string) (*types.WorkItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.actors[actorID]; !ok {
		return nil, fmt.Errorf("%w: id=%s", ErrActorNotFound, actorID)
	}

	var best *types.WorkItem
	for _, id := range q.queues[actorID] {
		item, ok := q.items[id]
		if !ok || item.Status != types.ItemQueued {
			continue
		}
		if best == nil || item.Priority > best.Priority {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}

	before := ledger.StateDigest(*best)
	best.Status = types.ItemClaimed
	best.ClaimedBy = actorID
	best.Attempts++
	best.UpdatedAt = q.clock().UnixMilli()
	q.dropFromQueuesLocked(best.ID)

	stored := *best
	if err := q.append(ctx, stored, before, ledger.ActionItemClaimed, actorID); err != nil {
		return nil, err
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(stored.ID), stored.MoleculeID, map[string]interface{}{
		"status": stored.Status, "claimed_by": actorID,
	})
	return &stored, nil
}

// Begin moves a claimed item to in_progress. Only the claimant may begin it.
func (q *QueueSet) Begin(ctx context.Context, itemID uint64, actorID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	if item.Status != types.ItemClaimed {
		return fmt.Errorf("%w: id=%d status=%s", ErrNotClaimed, itemID, item.Status)
	}
	if item.ClaimedBy != actorID {
		return fmt.Errorf("%w: id=%d claimant=%s", ErrNotEligible, itemID, item.ClaimedBy)
	}

	before := ledger.StateDigest(*item)
	item.Status = types.ItemInProgress
	item.UpdatedAt = q.clock().UnixMilli()
	if err := q.append(ctx, *item, before, ledger.ActionItemStarted, actorID); err != nil {
		return err
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(itemID), item.MoleculeID, map[string]interface{}{
		"status": item.Status,
	})
	return nil
}

// Release returns a claimed-but-abandoned item to queued, fanning it back
// out to its eligible actors.
func (q *QueueSet) Release(ctx context.Context, itemID uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	if item.Status != types.ItemClaimed && item.Status != types.ItemInProgress {
		return fmt.Errorf("%w: id=%d status=%s", ErrNotClaimed, itemID, item.Status)
	}
	return q.releaseLocked(ctx, item, item.ClaimedBy)
}

func (q *QueueSet) releaseLocked(ctx context.Context, item *types.WorkItem, actor string) error {
	before := ledger.StateDigest(*item)
	item.Status = types.ItemQueued
	item.ClaimedBy = ""
	item.UpdatedAt = q.clock().UnixMilli()
	for _, actorID := range item.Eligible {
		if _, ok := q.queues[actorID]; ok {
			q.queues[actorID] = append(q.queues[actorID], item.ID)
		}
	}
	if err := q.append(ctx, *item, before, ledger.ActionItemReleased, actor); err != nil {
		return err
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(item.ID), item.MoleculeID, map[string]interface{}{
		"status": item.Status,
	})
	return nil
}

// Complete is terminal for the item.
func (q *QueueSet) Complete(ctx context.Context, itemID uint64, result interface{}) error {
	return q.finish(ctx, itemID, types.ItemDone, ledger.ActionItemCompleted, result, "")
}

// Fail is terminal for the item; the reason is retained for diagnostics.
func (q *QueueSet) Fail(ctx context.Context, itemID uint64, reason string) error {
	return q.finish(ctx, itemID, types.ItemFailed, ledger.ActionItemFailed, nil, reason)
}

func (q *QueueSet) finish(ctx context.Context, itemID uint64, status types.ItemStatus, action string, result interface{}, reason string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	if item.Status == types.ItemDone || item.Status == types.ItemFailed {
		return fmt.Errorf("%w: id=%d status=%s", ErrItemTerminal, itemID, item.Status)
	}

	before := ledger.StateDigest(*item)
	item.Status = status
	item.LastError = reason
	item.UpdatedAt = q.clock().UnixMilli()
	q.dropFromQueuesLocked(itemID)

	entry := types.LedgerEntry{
		MoleculeID: item.MoleculeID,
		Actor:      item.ClaimedBy,
		Action:     action,
		Target:     itemTarget(itemID),
		Before:     before,
		After:      ledger.StateDigest(*item),
	}
	if result != nil {
		entry.After = ledger.StateDigest(map[string]interface{}{"item": *item, "result": result})
	}
	if _, err := q.led.Append(ctx, entry); err != nil {
		return err
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(itemID), item.MoleculeID, map[string]interface{}{
		"status": item.Status, "error": reason,
	})
	return nil
}

// Reassign moves a queued item exclusively into one actor's queue.
func (q *QueueSet) Reassign(ctx context.Context, itemID uint64, actorID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	if item.Status != types.ItemQueued {
		return fmt.Errorf("%w: id=%d status=%s", ErrNotQueued, itemID, item.Status)
	}
	actor, ok := q.actors[actorID]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrActorNotFound, actorID)
	}
	if !match.Satisfies(item.Requires, actor.Capabilities) {
		return fmt.Errorf("%w: actor=%s item=%d", ErrNotEligible, actorID, itemID)
	}

	before := ledger.StateDigest(*item)
	q.dropFromQueuesLocked(itemID)
	item.Eligible = []string{actorID}
	item.UpdatedAt = q.clock().UnixMilli()
	q.queues[actorID] = append(q.queues[actorID], itemID)
	if err := q.append(ctx, *item, before, ledger.ActionItemReassigned, actorID); err != nil {
		return err
	}
	q.publish(ctx, EventItemChanged, "item", itemTarget(itemID), item.MoleculeID, map[string]interface{}{
		"status": item.Status, "reassigned_to": actorID,
	})
	return nil
}

// DropQueued fails every still-queued item of a molecule (abort support).
// Claimed and in-progress items are left to finish or time out naturally.
func (q *QueueSet) DropQueued(ctx context.Context, moleculeID uint64) ([]uint64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []uint64
	for id, item := range q.items {
		if item.MoleculeID != moleculeID || item.Status != types.ItemQueued {
			continue
		}
		before := ledger.StateDigest(*item)
		item.Status = types.ItemFailed
		item.LastError = "molecule aborted"
		item.UpdatedAt = q.clock().UnixMilli()
		q.dropFromQueuesLocked(id)
		if err := q.append(ctx, *item, before, ledger.ActionItemDropped, ""); err != nil {
			return dropped, err
		}
		dropped = append(dropped, id)
	}
	return dropped, nil
}

// Get returns a copy of a work item.
func (q *QueueSet) Get(ctx context.Context, itemID uint64) (types.WorkItem, error) {
	select {
	case <-ctx.Done():
		return types.WorkItem{}, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return types.WorkItem{}, fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	return *item, nil
}

// Depth counts the claimable items currently visible to an actor.
func (q *QueueSet) Depth(actorID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked(actorID)
}

func (q *QueueSet) depthLocked(actorID string) int {
	n := 0
	for _, id := range q.queues[actorID] {
		if item, ok := q.items[id]; ok && item.Status == types.ItemQueued {
			n++
		}
	}
	return n
}

// Depths returns queue depth per actor.
func (q *QueueSet) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.queues))
	for actorID := range q.queues {
		out[actorID] = q.depthLocked(actorID)
	}
	return out
}

// Heartbeat records actor liveness.
func (q *QueueSet) Heartbeat(ctx context.Context, actorID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	actor, ok := q.actors[actorID]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrActorNotFound, actorID)
	}
	actor.LastHeartbeat = q.clock().UnixMilli()
	return nil
}

// Reap releases items whose claimant stopped heartbeating past the claim
// TTL. Returns the released item IDs. The release and any later reclaim are
// both ledgered.
func (q *QueueSet) Reap(ctx context.Context) ([]uint64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.clock().Add(-q.claimTTL).UnixMilli()
	var released []uint64
	for id, item := range q.items {
		if item.Status != types.ItemClaimed && item.Status != types.ItemInProgress {
			continue
		}
		actor, ok := q.actors[item.ClaimedBy]
		if ok && actor.LastHeartbeat >= cutoff {
			continue
		}
		if err := q.releaseLocked(ctx, item, ReaperActor); err != nil {
			return released, err
		}
		released = append(released, id)
	}
	return released, nil
}

// dropFromQueuesLocked removes every queue reference to an item.
func (q *QueueSet) dropFromQueuesLocked(itemID uint64) {
	for actorID, refs := range q.queues {
		kept := refs[:0]
		for _, id := range refs {
			if id != itemID {
				kept = append(kept, id)
			}
		}
		q.queues[actorID] = kept
	}
}

func (q *QueueSet) append(ctx context.Context, item types.WorkItem, before, action, actor string) error {
	entry := types.LedgerEntry{
		MoleculeID: item.MoleculeID,
		Actor:      actor,
		Action:     action,
		Target:     itemTarget(item.ID),
		Before:     before,
		After:      ledger.StateDigest(item),
	}
	_, err := q.led.Append(ctx, entry)
	return err
}

func (q *QueueSet) publish(ctx context.Context, eventType, entity, entityID string, moleculeID uint64, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(ctx, events.Event{
		Type:       eventType,
		Entity:     entity,
		EntityID:   entityID,
		MoleculeID: moleculeID,
		Data:       data,
	})
}

func itemTarget(id uint64) string {
	return fmt.Sprintf("item:%d", id)
}
