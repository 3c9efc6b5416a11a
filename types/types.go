package types

// ItemStatus tracks the lifecycle of a work item inside the queues.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemClaimed    ItemStatus = "claimed"
	ItemInProgress ItemStatus = "in_progress"
	ItemDone       ItemStatus = "done"
	ItemFailed     ItemStatus = "failed"
)

// StepStatus mirrors the work item lifecycle once a step is materialized,
// plus the pre-materialization and degraded states.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepHeld       StepStatus = "held"
	StepQueued     StepStatus = "queued"
	StepClaimed    StepStatus = "claimed"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// MoleculeStatus transitions are monotonic: draft -> active -> completed|failed.
type MoleculeStatus string

const (
	MoleculeDraft     MoleculeStatus = "draft"
	MoleculeActive    MoleculeStatus = "active"
	MoleculeCompleted MoleculeStatus = "completed"
	MoleculeFailed    MoleculeStatus = "failed"
)

// FailurePolicy selects how a molecule reacts to a terminally failed step.
type FailurePolicy string

const (
	// PolicyAbort marks the molecule failed and leaves completed steps intact.
	PolicyAbort FailurePolicy = "abort"
	// PolicyRetry re-enqueues the step with exponential backoff up to its bound.
	PolicyRetry FailurePolicy = "retry"
	// PolicySkip marks the step skipped and continues per the skip setting.
	PolicySkip FailurePolicy = "skip"
)

// GateMode selects how a gate reaches its decision.
type GateMode string

const (
	GateSyncManual  GateMode = "synchronous_manual"
	GateAsyncManual GateMode = "asynchronous_manual"
	GatePolicyAuto  GateMode = "policy_auto"
)

// GateDecision is the current state of a gate. Approved and rejected are terminal.
type GateDecision string

const (
	GatePending  GateDecision = "pending"
	GateApproved GateDecision = "approved"
	GateRejected GateDecision = "rejected"
)

// TimeoutPolicy governs a synchronous-manual gate whose wait elapses.
type TimeoutPolicy string

const (
	TimeoutAutoReject  TimeoutPolicy = "auto_reject"
	TimeoutAutoApprove TimeoutPolicy = "auto_approve"
	TimeoutEscalate    TimeoutPolicy = "escalate"
)

// RACI assigns accountability roles to a step. Exactly one accountable actor
// is required; the same actor may additionally hold other roles.
type RACI struct {
	Accountable []string `json:"accountable" yaml:"accountable"`
	Responsible []string `json:"responsible,omitempty" yaml:"responsible,omitempty"`
	Consulted   []string `json:"consulted,omitempty" yaml:"consulted,omitempty"`
	Informed    []string `json:"informed,omitempty" yaml:"informed,omitempty"`
}

// AccountableActor returns the single accountable actor, or "" when the
// assignment is not valid yet.
func (r RACI) AccountableActor() string {
	if len(r.Accountable) != 1 {
		return ""
	}
	return r.Accountable[0]
}

// Step is one unit of work inside a molecule.
type Step struct {
	ID         string                 `json:"id" yaml:"id"`
	Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Requires   []string               `json:"requires,omitempty" yaml:"requires,omitempty"`
	Assignment RACI                   `json:"assignment" yaml:"assignment"`
	GateID     string                 `json:"gate_id,omitempty" yaml:"gate_id,omitempty"`
	Priority   int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Status     StepStatus             `json:"status" yaml:"status"`
	WorkItemID uint64                 `json:"work_item_id,omitempty" yaml:"work_item_id,omitempty"`
	Attempts   int                    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// Gate is an approval checkpoint attached to a step. Dependents of the step
// do not unlock until the gate is approved.
type Gate struct {
	ID          string                 `json:"id" yaml:"id"`
	MoleculeID  uint64                 `json:"molecule_id" yaml:"molecule_id"`
	StepID      string                 `json:"step_id" yaml:"step_id"`
	Mode        GateMode               `json:"mode" yaml:"mode"`
	Predicate   string                 `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	TimeoutSec  int                    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	OnTimeout   TimeoutPolicy          `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
	Decision    GateDecision           `json:"decision" yaml:"decision"`
	Submission  map[string]interface{} `json:"submission,omitempty" yaml:"submission,omitempty"`
	Rationale   string                 `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	DecidedBy   string                 `json:"decided_by,omitempty" yaml:"decided_by,omitempty"`
	DecidedAt   int64                  `json:"decided_at,omitempty" yaml:"decided_at,omitempty"`
	SubmittedAt int64                  `json:"submitted_at,omitempty" yaml:"submitted_at,omitempty"`
}

// Decided reports whether the gate reached a terminal decision.
func (g Gate) Decided() bool {
	return g.Decision == GateApproved || g.Decision == GateRejected
}

// Molecule is a persistent multi-step unit of work with dependency-ordered steps.
type Molecule struct {
	ID         uint64         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Steps      []Step         `json:"steps" yaml:"steps"`
	Gates      []Gate         `json:"gates,omitempty" yaml:"gates,omitempty"`
	Status     MoleculeStatus `json:"status" yaml:"status"`
	ContractID string         `json:"contract_id,omitempty" yaml:"contract_id,omitempty"`
	OnFailure  FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	// SkipBlocksDependents makes a skipped step block its dependents, which
	// are then skipped as well. By default a skipped step counts as done for
	// dependency unlock.
	SkipBlocksDependents bool  `json:"skip_blocks_dependents,omitempty" yaml:"skip_blocks_dependents,omitempty"`
	Degraded             bool  `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	CreatedAt            int64 `json:"created_at" yaml:"created_at"`
	UpdatedAt            int64 `json:"updated_at" yaml:"updated_at"`
}

// Terminal reports whether the molecule can no longer change status.
func (m Molecule) Terminal() bool {
	return m.Status == MoleculeCompleted || m.Status == MoleculeFailed
}

// StepByID returns a pointer into Steps, or nil if absent.
func (m *Molecule) StepByID(id string) *Step {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}

// GateByID returns a pointer into Gates, or nil if absent.
func (m *Molecule) GateByID(id string) *Gate {
	for i := range m.Gates {
		if m.Gates[i].ID == id {
			return &m.Gates[i]
		}
	}
	return nil
}

// WorkItem is a claimable unit of work. It is owned by the queues it sits in
// until exactly one actor claims it.
type WorkItem struct {
	ID         uint64                 `json:"id" yaml:"id"`
	MoleculeID uint64                 `json:"molecule_id" yaml:"molecule_id"`
	StepID     string                 `json:"step_id" yaml:"step_id"`
	Requires   []string               `json:"requires,omitempty" yaml:"requires,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Priority   int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status     ItemStatus             `json:"status" yaml:"status"`
	ClaimedBy  string                 `json:"claimed_by,omitempty" yaml:"claimed_by,omitempty"`
	Eligible   []string               `json:"eligible,omitempty" yaml:"eligible,omitempty"`
	Attempts   int                    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	LastError  string                 `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt  int64                  `json:"created_at" yaml:"created_at"`
	UpdatedAt  int64                  `json:"updated_at" yaml:"updated_at"`
}

// Actor is an independent execution context that claims and performs work.
type Actor struct {
	ID            string   `json:"id" yaml:"id"`
	Capabilities  []string `json:"capabilities" yaml:"capabilities"`
	Tier          int      `json:"tier,omitempty" yaml:"tier,omitempty"`
	LastHeartbeat int64    `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
}

// LedgerEntry is one immutable record in the audit ledger. Entries for a
// molecule are totally ordered by Seq and digest-chained through Prev.
type LedgerEntry struct {
	ID         string `json:"id" yaml:"id"`
	Seq        uint64 `json:"seq" yaml:"seq"`
	MoleculeID uint64 `json:"molecule_id" yaml:"molecule_id"`
	Actor      string `json:"actor" yaml:"actor"`
	Action     string `json:"action" yaml:"action"`
	Target     string `json:"target" yaml:"target"`
	Before     string `json:"before,omitempty" yaml:"before,omitempty"`
	After      string `json:"after,omitempty" yaml:"after,omitempty"`
	Prev       string `json:"prev,omitempty" yaml:"prev,omitempty"`
	Digest     string `json:"digest" yaml:"digest"`
	At         int64  `json:"at" yaml:"at"`
}

// Checkpoint is a named snapshot of molecule progress, sufficient together
// with ledger replay to reconstruct state after a crash.
type Checkpoint struct {
	Name           string                  `json:"name" yaml:"name"`
	MoleculeID     uint64                  `json:"molecule_id" yaml:"molecule_id"`
	TakenAt        int64                   `json:"taken_at" yaml:"taken_at"`
	MoleculeStatus MoleculeStatus          `json:"molecule_status" yaml:"molecule_status"`
	Degraded       bool                    `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Steps          map[string]StepStatus   `json:"steps" yaml:"steps"`
	Gates          map[string]GateDecision `json:"gates,omitempty" yaml:"gates,omitempty"`
	QueueDepths    map[string]int          `json:"queue_depths,omitempty" yaml:"queue_depths,omitempty"`
	State          map[string]interface{}  `json:"state,omitempty" yaml:"state,omitempty"`
}
