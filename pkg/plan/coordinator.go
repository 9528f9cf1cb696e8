package plan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
	"github.com/kubegate-labs/kubegate/pkg/ledger"
)

// AuditRecorder is the slice of the ledger the coordinator needs. Every
// lifecycle step appends one entry; an append failure fails the step, because
// an unaudited transition must not happen.
type AuditRecorder interface {
	Append(ctx context.Context, event contracts.PipelineEvent) (*ledger.Entry, error)
}

// DefaultApprovalTTL bounds how long a plan may sit awaiting approvals.
const DefaultApprovalTTL = time.Hour

// Coordinator drives approval plans through the guarded-execution state
// machine. All state mutations go through the plan store; all decisions are
// appended to the audit ledger before they take effect for callers.
type Coordinator struct {
	store       PlanStore
	audit       AuditRecorder
	authz       Authorizer
	dryRunner   DryRunner
	executor    Executor
	snapshotter Snapshotter
	logger      *slog.Logger

	approvalTTL time.Duration
	clock       func() time.Time
	newID       func() string
	sleep       func(context.Context, time.Duration) error

	mu        sync.Mutex
	executing map[string]bool
	locks     map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithApprovalTTL overrides the approval window.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.approvalTTL = ttl }
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithSleep injects the delay waiter. The default honors context
// cancellation; tests inject an instant variant.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(store PlanStore, audit AuditRecorder, authz Authorizer, dryRunner DryRunner, executor Executor, snapshotter Snapshotter, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		audit:       audit,
		authz:       authz,
		dryRunner:   dryRunner,
		executor:    executor,
		snapshotter: snapshotter,
		logger:      logger.With("component", "coordinator"),
		approvalTTL: DefaultApprovalTTL,
		clock:       time.Now,
		newID:       func() string { return uuid.NewString() },
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Propose creates a plan for a classified command. The RBAC pre-check runs
// first: a requester who could not execute the operation gets a Rejected plan
// carrying remediation, so the denial is itself audited.
//
// Plans needing no approvals run to completion immediately after their dry-run
// preview; WARNING and DANGEROUS plans move to AwaitingApproval. The
// mandatory-delay deadline for DANGEROUS plans is stamped later, when the
// final approval lands.
func (c *Coordinator) Propose(ctx context.Context, cmd contracts.CleanedCommand, cls *contracts.ClassificationResult, findings []contracts.SanitizationFinding) (*contracts.ApprovalPlan, error) {
	if err := cls.Validate(); err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}
	now := c.clock()
	p := &contracts.ApprovalPlan{
		ID:             c.newID(),
		Command:        cmd,
		Classification: cls,
		Findings:       findings,
		State:          contracts.StateProposed,
		ExpiresAt:      now.Add(c.approvalTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	requester := cmd.Candidate.ActorID
	decision, err := c.authz.CanExecute(ctx, requester, cmd.Candidate.Operation)
	if err != nil {
		return nil, fmt.Errorf("propose: authorization check: %w", err)
	}
	if entry, aerr := c.audit.Append(ctx, contracts.PipelineEvent{
		Type:    contracts.EventAuthzCheck,
		ActorID: requester,
		PlanID:  p.ID,
		Payload: map[string]any{
			"operation":   cmd.Candidate.Operation.Describe(),
			"allowed":     decision.Allowed,
			"remediation": decision.Remediation,
		},
	}); aerr != nil {
		return nil, fmt.Errorf("propose: audit: %w", aerr)
	} else {
		p.FirstSequence = entry.Sequence
		p.LastSequence = entry.Sequence
	}

	if !decision.Allowed {
		p.State = contracts.StateRejected
		p.StateReason = "authorization denied: " + decision.Remediation
		if err := c.recordStateChange(ctx, p, requester, contracts.StateProposed); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("propose: save: %w", err)
		}
		c.logger.Warn("proposal denied by rbac pre-check",
			"plan_id", p.ID, "actor_id", requester, "remediation", decision.Remediation)
		return p, fmt.Errorf("propose: %w: %s", contracts.ErrAuthorizationDenied, decision.Remediation)
	}

	if err := c.record(ctx, p, contracts.EventPlanCreated, requester, map[string]any{
		"tier":      cls.Tier,
		"operation": cmd.Candidate.Operation.Describe(),
		"approvals": cls.RequiredApprovals(),
	}); err != nil {
		return nil, err
	}

	preview, err := c.dryRunner.Preview(ctx, cmd.Candidate.Operation)
	if err != nil {
		return nil, fmt.Errorf("propose: dry run: %w", err)
	}
	p.Preview = &preview
	if err := c.transition(ctx, p, contracts.StateDryRunPreviewed, requester, ""); err != nil {
		return nil, err
	}
	if err := c.record(ctx, p, contracts.EventDryRun, requester, map[string]any{
		"diff": preview.Diff,
	}); err != nil {
		return nil, err
	}

	if cls.RequiredApprovals() > 0 {
		if err := c.transition(ctx, p, contracts.StateAwaitingApproval, requester, ""); err != nil {
			return nil, err
		}
	}

	if err := c.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("propose: save: %w", err)
	}
	c.logger.Info("plan proposed",
		"plan_id", p.ID, "actor_id", requester, "tier", cls.Tier, "state", p.State)

	// No approval gate means the plan proceeds to execution right away.
	if cls.RequiredApprovals() == 0 {
		return c.Execute(ctx, p.ID, requester)
	}
	return p, nil
}

// Approve records an approver's decision. Approvals are idempotent: the same
// approver repeating the same decision gets the current plan back unchanged,
// even after the quorum was reached. The quorum counts distinct approvers,
// and for destruction at or above bulk level the requester may not be one of
// them. When the final approval lands, the mandatory-delay deadline is
// stamped relative to that moment.
func (c *Coordinator) Approve(ctx context.Context, planID, approverID, rationale string) (*contracts.ApprovalPlan, error) {
	unlock := c.lockPlan(planID)
	defer unlock()

	p, err := c.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if expired, err := c.expireIfPast(ctx, p, approverID); err != nil {
		return nil, err
	} else if expired {
		return p, fmt.Errorf("approve: plan %s expired", planID)
	}
	// Idempotence first: a retried identical decision is a no-op regardless
	// of whether the plan has since moved past AwaitingApproval.
	if p.HasApprovalFrom(approverID, contracts.DecisionApprove) {
		return p, nil
	}
	if p.State != contracts.StateAwaitingApproval {
		return nil, fmt.Errorf("approve: plan %s is %s, not awaiting approval", planID, p.State)
	}

	if p.Classification.DestructionLevel.AtLeast(contracts.DestructionBulk) &&
		approverID == p.Command.Candidate.ActorID {
		return nil, fmt.Errorf("approve: %w: requester cannot approve bulk-or-worse destruction", contracts.ErrAuthorizationDenied)
	}
	decision, err := c.authz.CanApprove(ctx, approverID, p.Classification.Tier)
	if err != nil {
		return nil, fmt.Errorf("approve: authorization check: %w", err)
	}
	if !decision.Allowed {
		if err := c.record(ctx, p, contracts.EventAuthzCheck, approverID, map[string]any{
			"allowed":     false,
			"remediation": decision.Remediation,
		}); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("approve: save: %w", err)
		}
		return nil, fmt.Errorf("approve: %w: %s", contracts.ErrAuthorizationDenied, decision.Remediation)
	}

	now := c.clock()
	p.Approvals = append(p.Approvals, contracts.ApprovalRecord{
		ApproverID: approverID,
		Decision:   contracts.DecisionApprove,
		Rationale:  rationale,
		DecidedAt:  now,
	})
	p.UpdatedAt = now
	if err := c.record(ctx, p, contracts.EventApprovalStep, approverID, map[string]any{
		"decision":  contracts.DecisionApprove,
		"granted":   p.ApprovalsGranted(),
		"required":  p.Classification.RequiredApprovals(),
		"rationale": rationale,
	}); err != nil {
		return nil, err
	}

	if p.ApprovalsGranted() >= p.Classification.RequiredApprovals() {
		if err := c.transition(ctx, p, contracts.StateApproved, approverID, ""); err != nil {
			return nil, err
		}
		// The cooling-off period runs between final approval and execution
		// start, so the deadline anchors here, not at proposal.
		if p.Classification.Controls.MandatoryDelay > 0 {
			deadline := now.Add(p.Classification.Controls.MandatoryDelay)
			p.DelayDeadline = &deadline
		}
	}
	if err := c.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("approve: save: %w", err)
	}
	c.logger.Info("approval recorded",
		"plan_id", p.ID, "approver_id", approverID,
		"granted", p.ApprovalsGranted(), "required", p.Classification.RequiredApprovals())
	return p, nil
}

// Reject moves a plan to its Rejected terminal state. Allowed from any
// pre-executing state; DANGEROUS plans remain rejectable through their
// mandatory delay.
func (c *Coordinator) Reject(ctx context.Context, planID, actorID, rationale string) (*contracts.ApprovalPlan, error) {
	unlock := c.lockPlan(planID)
	defer unlock()

	p, err := c.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.HasApprovalFrom(actorID, contracts.DecisionReject) {
		return p, nil
	}
	if !p.State.CanTransition(contracts.StateRejected) {
		return nil, fmt.Errorf("reject: plan %s is %s", planID, p.State)
	}
	now := c.clock()
	p.Approvals = append(p.Approvals, contracts.ApprovalRecord{
		ApproverID: actorID,
		Decision:   contracts.DecisionReject,
		Rationale:  rationale,
		DecidedAt:  now,
	})
	if err := c.record(ctx, p, contracts.EventApprovalStep, actorID, map[string]any{
		"decision":  contracts.DecisionReject,
		"rationale": rationale,
	}); err != nil {
		return nil, err
	}
	if err := c.transition(ctx, p, contracts.StateRejected, actorID, rationale); err != nil {
		return nil, err
	}
	p.UpdatedAt = now
	if err := c.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("reject: save: %w", err)
	}
	c.logger.Info("plan rejected", "plan_id", p.ID, "actor_id", actorID)
	return p, nil
}

// Execute runs a plan under its exclusive lock. It re-checks the quorum,
// waits out any remaining mandatory delay (cancellable through ctx or a
// Reject landing while the delay runs), captures the rollback snapshot when
// required, then runs the executor with transient retry. Failure triggers a
// best-effort rollback from the snapshot's inverse steps.
func (c *Coordinator) Execute(ctx context.Context, planID, actorID string) (*contracts.ApprovalPlan, error) {
	if !c.acquire(planID) {
		return nil, fmt.Errorf("execute: plan %s: %w", planID, contracts.ErrConcurrencyConflict)
	}
	defer c.release(planID)

	unlock := c.lockPlan(planID)
	p, err := c.gateExecution(ctx, planID, actorID)
	if err != nil {
		unlock()
		return p, err
	}
	var remaining time.Duration
	if p.DelayDeadline != nil {
		remaining = p.DelayDeadline.Sub(c.clock())
	}
	unlock()

	// The delay runs with the plan lock released so a Reject can still land
	// during the cooling-off period; the gate re-runs afterwards.
	if remaining > 0 {
		c.logger.Info("holding for mandatory delay", "plan_id", planID, "remaining", remaining)
		if err := c.sleep(ctx, remaining); err != nil {
			return nil, fmt.Errorf("execute: cancelled during mandatory delay: %w", err)
		}
	}

	unlock = c.lockPlan(planID)
	defer unlock()
	p, err = c.gateExecution(ctx, planID, actorID)
	if err != nil {
		return p, err
	}

	op := p.Command.Candidate.Operation
	if p.Classification.Controls.RequiresRollbackPlan && p.Classification.Reversible && c.snapshotter != nil {
		state, err := c.snapshotter.Capture(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("execute: snapshot: %w", err)
		}
		p.Snapshot = buildSnapshot(op, state, c.clock())
	}

	if err := c.transition(ctx, p, contracts.StateExecuting, actorID, ""); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("execute: save: %w", err)
	}

	started := c.clock()
	output, attempts, execErr := executeWithRetry(ctx, c.executor, op, c.sleep)
	completed := c.clock()
	result := &contracts.ExecutionResult{
		Success:     execErr == nil,
		Output:      output,
		Attempts:    attempts,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	p.Result = result
	if err := c.record(ctx, p, contracts.EventExecution, actorID, map[string]any{
		"success":  result.Success,
		"attempts": attempts,
		"error":    result.Error,
	}); err != nil {
		return nil, err
	}

	if execErr == nil {
		if err := c.transition(ctx, p, contracts.StateCompleted, actorID, ""); err != nil {
			return nil, err
		}
	} else {
		if err := c.transition(ctx, p, contracts.StateFailed, actorID, execErr.Error()); err != nil {
			return nil, err
		}
		c.rollback(ctx, p, actorID)
	}

	p.UpdatedAt = c.clock()
	if err := c.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("execute: save: %w", err)
	}
	c.logger.Info("execution finished",
		"plan_id", p.ID, "state", p.State, "attempts", attempts)
	if execErr != nil {
		return p, fmt.Errorf("execute: %w", execErr)
	}
	return p, nil
}

// rollback runs the snapshot's inverse steps. Best effort: a rollback failure
// is audited and logged but does not change the plan's Failed state.
func (c *Coordinator) rollback(ctx context.Context, p *contracts.ApprovalPlan, actorID string) {
	if p.Snapshot == nil || len(p.Snapshot.InverseSteps) == 0 {
		return
	}
	for _, step := range p.Snapshot.InverseSteps {
		_, err := c.executor.Execute(ctx, step.Operation)
		payload := map[string]any{
			"order":       step.Order,
			"operation":   step.Operation.Describe(),
			"description": step.Description,
			"success":     err == nil,
		}
		if err != nil {
			payload["error"] = err.Error()
			c.logger.Error("rollback step failed",
				"plan_id", p.ID, "order", step.Order, "error", err)
		}
		if rerr := c.record(ctx, p, contracts.EventRollback, actorID, payload); rerr != nil {
			c.logger.Error("rollback audit append failed", "plan_id", p.ID, "error", rerr)
			return
		}
		if err != nil {
			return
		}
	}
}

// ExpireSweep expires every non-terminal plan whose approval window has
// passed. Returns the number of plans expired.
func (c *Coordinator) ExpireSweep(ctx context.Context) (int, error) {
	plans, err := c.store.List(ctx,
		contracts.StateProposed, contracts.StateDryRunPreviewed, contracts.StateAwaitingApproval, contracts.StateApproved)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range plans {
		did, err := c.expireIfPast(ctx, p, "system")
		if err != nil {
			return expired, err
		}
		if did {
			expired++
		}
	}
	if expired > 0 {
		c.logger.Info("expired stale plans", "count", expired)
	}
	return expired, nil
}

// Get returns a plan by id.
func (c *Coordinator) Get(ctx context.Context, planID string) (*contracts.ApprovalPlan, error) {
	return c.store.Get(ctx, planID)
}

// List returns plans in the given states, newest first.
func (c *Coordinator) List(ctx context.Context, states ...contracts.PlanState) ([]*contracts.ApprovalPlan, error) {
	return c.store.List(ctx, states...)
}

// expireIfPast moves the plan to Expired when its window has passed, saving
// and auditing the transition. The caller's copy is updated in place.
func (c *Coordinator) expireIfPast(ctx context.Context, p *contracts.ApprovalPlan, actorID string) (bool, error) {
	if p.State.Terminal() || !c.clock().After(p.ExpiresAt) {
		return false, nil
	}
	if !p.State.CanTransition(contracts.StateExpired) {
		return false, nil
	}
	if err := c.transition(ctx, p, contracts.StateExpired, actorID, "approval window elapsed"); err != nil {
		return false, err
	}
	p.UpdatedAt = c.clock()
	if err := c.store.Save(ctx, p); err != nil {
		return false, fmt.Errorf("expire: save: %w", err)
	}
	return true, nil
}

// transition applies a state-machine move and audits it.
func (c *Coordinator) transition(ctx context.Context, p *contracts.ApprovalPlan, next contracts.PlanState, actorID, reason string) error {
	prev := p.State
	moved, err := p.State.Transition(next)
	if err != nil {
		return err
	}
	p.State = moved
	if reason != "" {
		p.StateReason = reason
	}
	p.UpdatedAt = c.clock()
	return c.record(ctx, p, contracts.EventStateChange, actorID, map[string]any{
		"from":   prev,
		"to":     next,
		"reason": reason,
	})
}

// recordStateChange audits a transition that was applied directly (the
// authorization-denied path sets Rejected before any graph move).
func (c *Coordinator) recordStateChange(ctx context.Context, p *contracts.ApprovalPlan, actorID string, from contracts.PlanState) error {
	return c.record(ctx, p, contracts.EventStateChange, actorID, map[string]any{
		"from":   from,
		"to":     p.State,
		"reason": p.StateReason,
	})
}

func (c *Coordinator) record(ctx context.Context, p *contracts.ApprovalPlan, typ contracts.EventType, actorID string, payload map[string]any) error {
	entry, err := c.audit.Append(ctx, contracts.PipelineEvent{
		Type:    typ,
		ActorID: actorID,
		PlanID:  p.ID,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("audit append (%s): %w", typ, err)
	}
	if p.FirstSequence == 0 {
		p.FirstSequence = entry.Sequence
	}
	p.LastSequence = entry.Sequence
	return nil
}

// gateExecution loads the plan and verifies it may enter Executing: not
// expired, quorum met, and the state graph allows the move. Callers hold the
// plan lock.
func (c *Coordinator) gateExecution(ctx context.Context, planID, actorID string) (*contracts.ApprovalPlan, error) {
	p, err := c.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if expired, err := c.expireIfPast(ctx, p, actorID); err != nil {
		return nil, err
	} else if expired {
		return p, fmt.Errorf("execute: plan %s expired", planID)
	}
	if p.ApprovalsGranted() < p.Classification.RequiredApprovals() {
		return nil, fmt.Errorf("execute: plan %s has %d of %d required approvals",
			planID, p.ApprovalsGranted(), p.Classification.RequiredApprovals())
	}
	if !p.State.CanTransition(contracts.StateExecuting) {
		return nil, fmt.Errorf("execute: plan %s is %s", planID, p.State)
	}
	return p, nil
}

// lockPlan returns the unlock func for the plan's serialization mutex. Every
// read-modify-write of a plan happens under this lock so concurrent approvals
// cannot overwrite each other.
func (c *Coordinator) lockPlan(planID string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	m, ok := c.locks[planID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[planID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Coordinator) acquire(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing == nil {
		c.executing = make(map[string]bool)
	}
	if c.executing[planID] {
		return false
	}
	c.executing[planID] = true
	return true
}

func (c *Coordinator) release(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executing, planID)
}
