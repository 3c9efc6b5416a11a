package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/types"
)

// Recover rebuilds a molecule's state after a crash: it loads the latest
// checkpoint (or starts from the registered baseline), replays ledger
// entries recorded at or after it, re-registers undecided gates, resets
// in-flight steps whose work items were lost, and re-materializes ready
// steps. A broken digest chain surfaces as ledger.ErrCorrupt and recovery
// halts rather than guess at history.
func (e *Engine) Recover(ctx context.Context, moleculeID uint64) (types.Molecule, error) {
	select {
	case <-ctx.Done():
		return types.Molecule{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.molecules, moleculeID)
	m, err := e.getMoleculeLocked(ctx, moleculeID)
	if err != nil {
		return types.Molecule{}, err
	}

	var since int64
	cp, cpErr := e.store.LatestCheckpoint(ctx, moleculeID)
	if cpErr == nil {
		since = cp.TakenAt
		m.Status = cp.MoleculeStatus
		m.Degraded = cp.Degraded
		for i := range m.Steps {
			if st, ok := cp.Steps[m.Steps[i].ID]; ok {
				m.Steps[i].Status = st
			}
		}
		for i := range m.Gates {
			if d, ok := cp.Gates[m.Gates[i].ID]; ok {
				m.Gates[i].Decision = d
			}
		}
	} else {
		m.Status = types.MoleculeDraft
		m.Degraded = false
		for i := range m.Steps {
			m.Steps[i].Status = types.StepPending
		}
		for i := range m.Gates {
			m.Gates[i].Decision = ""
		}
	}

	// Replay transitions forward. Entries at exactly the checkpoint
	// timestamp may already be reflected in it; reapplying a status set
	// is harmless.
	err = e.led.Replay(ctx, moleculeID, func(entry types.LedgerEntry) error {
		if entry.At < since {
			return nil
		}
		applyEntry(&m, entry)
		return nil
	})
	if err != nil {
		return types.Molecule{}, fmt.Errorf("replay of molecule %d: %w", moleculeID, err)
	}

	// Work items that were queued, claimed, or in progress at crash time
	// are gone; their steps go back to pending for re-materialization.
	for i := range m.Steps {
		switch m.Steps[i].Status {
		case types.StepQueued, types.StepClaimed, types.StepInProgress:
			m.Steps[i].Status = types.StepPending
			m.Steps[i].WorkItemID = 0
		}
	}

	if m.Status == types.MoleculeActive {
		for _, g := range m.Gates {
			stored, gerr := e.gates.Get(ctx, g.ID)
			if gerr != nil {
				g.Decision = ""
				if rerr := e.gates.Register(ctx, g); rerr != nil {
					return types.Molecule{}, rerr
				}
				continue
			}
			if snapshot := m.GateByID(g.ID); snapshot != nil {
				*snapshot = stored
			}
		}
		if err := e.advanceLocked(ctx, &m); err != nil {
			return types.Molecule{}, err
		}
	}

	m.UpdatedAt = time.Now().UnixMilli()
	if err := e.saveMoleculeLocked(ctx, m); err != nil {
		return types.Molecule{}, err
	}
	if err := e.checkpointLocked(ctx, m, "recovered"); err != nil {
		return types.Molecule{}, err
	}
	return m, nil
}

// applyEntry folds one ledger entry into the reconstructed molecule state.
// Work-item entries carry no step mapping and are skipped; the step-level
// entries cover every transition that matters for reconstruction.
func applyEntry(m *types.Molecule, entry types.LedgerEntry) {
	switch entry.Action {
	case ledger.ActionMoleculeActivated:
		if m.Status == types.MoleculeDraft {
			m.Status = types.MoleculeActive
		}
	case ledger.ActionMoleculeCompleted:
		m.Status = types.MoleculeCompleted
	case ledger.ActionMoleculeFailed, ledger.ActionMoleculeAborted:
		m.Status = types.MoleculeFailed

	case ledger.ActionStepReady:
		setStepStatus(m, entry.Target, types.StepQueued)
	case ledger.ActionStepHeld:
		setStepStatus(m, entry.Target, types.StepHeld)
	case ledger.ActionStepDone:
		setStepStatus(m, entry.Target, types.StepDone)
	case ledger.ActionStepFailed:
		setStepStatus(m, entry.Target, types.StepFailed)
	case ledger.ActionStepSkipped:
		setStepStatus(m, entry.Target, types.StepSkipped)
		m.Degraded = true
	case ledger.ActionStepRetried:
		setStepStatus(m, entry.Target, types.StepPending)

	case ledger.ActionGateApproved:
		setGateDecision(m, entry.Target, types.GateApproved)
	case ledger.ActionGateRejected:
		setGateDecision(m, entry.Target, types.GateRejected)
	}
}

func setStepStatus(m *types.Molecule, target string, status types.StepStatus) {
	id, ok := stepIDFromTarget(target)
	if !ok {
		return
	}
	if step := m.StepByID(id); step != nil {
		step.Status = status
	}
}

func setGateDecision(m *types.Molecule, target string, decision types.GateDecision) {
	id, ok := gateIDFromTarget(target)
	if !ok {
		return
	}
	if g := m.GateByID(id); g != nil {
		g.Decision = decision
	}
}
