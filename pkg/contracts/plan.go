package contracts

import (
	"errors"
	"fmt"
	"time"
)

// PlanState is the lifecycle of an approval plan. Transitions are applied
// only through Transition, which rejects anything not in the allowed graph,
// so an illegal move is an error value rather than a silent state change.
type PlanState string

const (
	StateProposed         PlanState = "PROPOSED"
	StateDryRunPreviewed  PlanState = "DRY_RUN_PREVIEWED"
	StateAwaitingApproval PlanState = "AWAITING_APPROVAL"
	StateApproved         PlanState = "APPROVED"
	StateExecuting        PlanState = "EXECUTING"
	StateCompleted        PlanState = "COMPLETED"
	StateFailed           PlanState = "FAILED"
	StateRejected         PlanState = "REJECTED"
	StateExpired          PlanState = "EXPIRED"
)

// ErrInvalidTransition is returned for any move outside the state graph.
var ErrInvalidTransition = errors.New("invalid plan state transition")

// transitions is the allowed state graph. Rejected and Expired are reachable
// from every pre-executing state; nothing leaves a terminal state.
var transitions = map[PlanState][]PlanState{
	StateProposed:         {StateDryRunPreviewed, StateExecuting, StateRejected, StateExpired},
	StateDryRunPreviewed:  {StateAwaitingApproval, StateExecuting, StateRejected, StateExpired},
	StateAwaitingApproval: {StateAwaitingApproval, StateApproved, StateRejected, StateExpired},
	StateApproved:         {StateExecuting, StateRejected, StateExpired},
	StateExecuting:        {StateCompleted, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s PlanState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is in the allowed graph.
func (s PlanState) CanTransition(next PlanState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or ErrInvalidTransition.
func (s PlanState) Transition(next PlanState) (PlanState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Decision is an approver's verdict on a plan.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRecord is one approver's decision, kept verbatim on the plan.
type ApprovalRecord struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Rationale  string    `json:"rationale,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// RollbackStep is one inverse operation in a rollback plan.
type RollbackStep struct {
	Order       int       `json:"order"`
	Operation   Operation `json:"operation"`
	Description string    `json:"description"`
}

// RollbackSnapshot captures pre-change resource state sufficient to
// reconstruct the inverse operation. Captured only for reversible mutations.
type RollbackSnapshot struct {
	CapturedAt    time.Time      `json:"captured_at"`
	ResourceState map[string]any `json:"resource_state"`
	InverseSteps  []RollbackStep `json:"inverse_steps,omitempty"`
}

// DryRunPreview is the non-mutating simulation shown before approval.
type DryRunPreview struct {
	Diff        string    `json:"diff"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ExecutionResult is the outcome reported by the execution collaborator.
type ExecutionResult struct {
	Success     bool      `json:"success"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ApprovalPlan is the coordinator's execution unit: one classified command
// moving through the guarded-execution state machine. Mutable only under
// coordinator control; archived read-only once terminal.
type ApprovalPlan struct {
	ID             string                `json:"id"`
	Command        CleanedCommand        `json:"command"`
	Classification *ClassificationResult `json:"classification"`
	Findings       []SanitizationFinding `json:"findings,omitempty"`

	State     PlanState         `json:"state"`
	Approvals []ApprovalRecord  `json:"approvals,omitempty"`
	Preview   *DryRunPreview    `json:"preview,omitempty"`
	Snapshot  *RollbackSnapshot `json:"snapshot,omitempty"`
	Result    *ExecutionResult  `json:"result,omitempty"`

	// DelayDeadline is set only for DANGEROUS plans: execution may not begin
	// before it, and the plan remains cancellable until then.
	DelayDeadline *time.Time `json:"delay_deadline,omitempty"`

	// ExpiresAt bounds how long the plan may await approval activity.
	ExpiresAt time.Time `json:"expires_at"`

	// StateReason records why the plan entered its current state (denial
	// reason, remediation text, failure context).
	StateReason string `json:"state_reason,omitempty"`

	// Ledger sequence range for traceability of this plan's audit entries.
	FirstSequence uint64 `json:"first_sequence,omitempty"`
	LastSequence  uint64 `json:"last_sequence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalsGranted counts distinct approvers that approved.
func (p *ApprovalPlan) ApprovalsGranted() int {
	seen := make(map[string]struct{}, len(p.Approvals))
	for _, a := range p.Approvals {
		if a.Decision == DecisionApprove {
			seen[a.ApproverID] = struct{}{}
		}
	}
	return len(seen)
}

// HasApprovalFrom reports whether approver already recorded the decision.
func (p *ApprovalPlan) HasApprovalFrom(approverID string, decision Decision) bool {
	for _, a := range p.Approvals {
		if a.ApproverID == approverID && a.Decision == decision {
			return true
		}
	}
	return false
}
