// Package plan coordinates guarded execution: every classified command
// becomes an approval plan that moves through dry-run, approval quorum,
// mandatory delay, and execution under an exclusive lock, with every step
// written to the audit ledger.
package plan

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// ErrPlanNotFound means no plan exists under the given id.
var ErrPlanNotFound = errors.New("plan not found")

// PlanStore persists approval plans. Implementations must return deep enough
// copies that callers cannot mutate stored state behind the coordinator.
type PlanStore interface {
	Save(ctx context.Context, p *contracts.ApprovalPlan) error
	Get(ctx context.Context, id string) (*contracts.ApprovalPlan, error)
	// List returns plans in any of the given states, newest first. Empty
	// states means all plans.
	List(ctx context.Context, states ...contracts.PlanState) ([]*contracts.ApprovalPlan, error)
}

// MemoryPlanStore is the in-process PlanStore.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string]*contracts.ApprovalPlan
}

// NewMemoryPlanStore creates an empty store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string]*contracts.ApprovalPlan)}
}

func (s *MemoryPlanStore) Save(_ context.Context, p *contracts.ApprovalPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = clonePlan(p)
	return nil
}

func (s *MemoryPlanStore) Get(_ context.Context, id string) (*contracts.ApprovalPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlan(p), nil
}

func (s *MemoryPlanStore) List(_ context.Context, states ...contracts.PlanState) ([]*contracts.ApprovalPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[contracts.PlanState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var out []*contracts.ApprovalPlan
	for _, p := range s.plans {
		if len(wanted) == 0 || wanted[p.State] {
			out = append(out, clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func clonePlan(p *contracts.ApprovalPlan) *contracts.ApprovalPlan {
	c := *p
	c.Approvals = append([]contracts.ApprovalRecord(nil), p.Approvals...)
	c.Findings = append([]contracts.SanitizationFinding(nil), p.Findings...)
	if p.Classification != nil {
		cls := *p.Classification
		c.Classification = &cls
	}
	if p.Preview != nil {
		pv := *p.Preview
		c.Preview = &pv
	}
	if p.Snapshot != nil {
		sn := *p.Snapshot
		sn.InverseSteps = append([]contracts.RollbackStep(nil), p.Snapshot.InverseSteps...)
		c.Snapshot = &sn
	}
	if p.Result != nil {
		r := *p.Result
		c.Result = &r
	}
	if p.DelayDeadline != nil {
		d := *p.DelayDeadline
		c.DelayDeadline = &d
	}
	return &c
}
