// Package ledger provides the append-only audit record of every accepted
// state transition. Entries for a molecule are totally ordered and
// digest-chained; replaying them from genesis reproduces the run.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/refinerylabs/refinery/types"
)

var (
	// ErrCorrupt indicates a checksum or ordering mismatch during replay.
	// The ledger segment must not be resumed from; operator intervention is
	// required.
	ErrCorrupt = errors.New("ledger segment corrupt")
)

// Action kinds recorded in ledger entries.
const (
	ActionMoleculeRegistered = "molecule.registered"
	ActionMoleculeActivated  = "molecule.activated"
	ActionMoleculeCompleted  = "molecule.completed"
	ActionMoleculeFailed     = "molecule.failed"
	ActionMoleculeAborted    = "molecule.aborted"
	ActionMoleculeArchived   = "molecule.archived"

	ActionStepReady   = "step.ready"
	ActionStepHeld    = "step.held"
	ActionStepDone    = "step.done"
	ActionStepFailed  = "step.failed"
	ActionStepSkipped = "step.skipped"
	ActionStepRetried = "step.retried"

	ActionItemEnqueued   = "item.enqueued"
	ActionItemClaimed    = "item.claimed"
	ActionItemStarted    = "item.started"
	ActionItemReleased   = "item.released"
	ActionItemCompleted  = "item.completed"
	ActionItemFailed     = "item.failed"
	ActionItemReassigned = "item.reassigned"
	ActionItemDropped    = "item.dropped"

	ActionGateSubmitted = "gate.submitted"
	ActionGateApproved  = "gate.approved"
	ActionGateRejected  = "gate.rejected"

	ActionCheckpointTaken = "checkpoint.taken"
)

// Ledger is the append-only store. Appends for one molecule are serialized
// by the implementation; entries across molecules carry no ordering
// relationship.
type Ledger interface {
	// Append seals the entry (seq, prev, digest, id, timestamp) and persists
	// it. The sealed entry is returned.
	Append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error)

	// Entries returns all entries for a molecule in append order.
	Entries(ctx context.Context, moleculeID uint64) ([]types.LedgerEntry, error)

	// Replay verifies the digest chain and streams entries to fn in order.
	// It fails with ErrCorrupt before calling fn on any entry if the chain
	// does not verify.
	Replay(ctx context.Context, moleculeID uint64, fn func(types.LedgerEntry) error) error
}

// StateDigest returns a short content digest of an entity state, used for
// the before/after fields of ledger entries.
func StateDigest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// seal assigns sequence, chain, identity and timestamp fields to an entry
// that follows tail. A zero tail means genesis.
func seal(tail types.LedgerEntry, e types.LedgerEntry, now int64) types.LedgerEntry {
	e.Seq = tail.Seq + 1
	e.Prev = tail.Digest
	e.ID = uuid.NewString()
	if e.At == 0 {
		e.At = now
	}
	e.Digest = entryDigest(e)
	return e
}

// entryDigest hashes the entry with its own digest field cleared, so the
// Prev field chains each entry to its predecessor.
func entryDigest(e types.LedgerEntry) string {
	e.Digest = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks sequence monotonicity and the digest chain over a molecule's
// entries. Any mismatch is reported as ErrCorrupt.
func Verify(entries []types.LedgerEntry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has seq %d, want %d", ErrCorrupt, i, e.Seq, i+1)
		}
		if e.Prev != prev {
			return fmt.Errorf("%w: entry %d chain break (prev %q, want %q)", ErrCorrupt, i, e.Prev, prev)
		}
		if got := entryDigest(e); got != e.Digest {
			return fmt.Errorf("%w: entry %d digest mismatch", ErrCorrupt, i)
		}
		prev = e.Digest
	}
	return nil
}

// replayEntries is the shared Replay implementation: verify, then stream.
func replayEntries(entries []types.LedgerEntry, fn func(types.LedgerEntry) error) error {
	if err := Verify(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
