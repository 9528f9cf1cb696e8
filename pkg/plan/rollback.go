package plan

import (
	"fmt"
	"time"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// buildSnapshot captures pre-change state and derives the inverse steps that
// would undo the operation. Irreversible verbs (delete, drain) get a snapshot
// of what was observed but no inverse steps; the snapshot still has forensic
// value after a failed run.
func buildSnapshot(op contracts.Operation, state map[string]any, at time.Time) *contracts.RollbackSnapshot {
	return &contracts.RollbackSnapshot{
		CapturedAt:    at,
		ResourceState: state,
		InverseSteps:  inverseSteps(op, state),
	}
}

func inverseSteps(op contracts.Operation, state map[string]any) []contracts.RollbackStep {
	switch op.Verb {
	case contracts.VerbScale:
		prior, ok := state["replicas"].(string)
		if !ok {
			return nil
		}
		inverse := op
		inverse.Flags = map[string]string{"replicas": prior}
		return []contracts.RollbackStep{{
			Order:       1,
			Operation:   inverse,
			Description: fmt.Sprintf("restore %s/%s to %s replicas", op.Resource, op.Name, prior),
		}}

	case contracts.VerbApply, contracts.VerbPatch, contracts.VerbLabel, contracts.VerbAnnotate:
		// Re-apply the captured manifest. The manifest travels in the
		// snapshot's resource state; the inverse operation references it.
		return []contracts.RollbackStep{{
			Order: 1,
			Operation: contracts.Operation{
				Verb:      contracts.VerbApply,
				Resource:  op.Resource,
				Namespace: op.Namespace,
				Name:      op.Name,
				Flags:     map[string]string{"from-snapshot": "true"},
			},
			Description: fmt.Sprintf("re-apply captured state of %s/%s", op.Resource, op.Name),
		}}

	case contracts.VerbCreate, contracts.VerbExpose:
		return []contracts.RollbackStep{{
			Order: 1,
			Operation: contracts.Operation{
				Verb:      contracts.VerbDelete,
				Resource:  op.Resource,
				Namespace: op.Namespace,
				Name:      op.Name,
			},
			Description: fmt.Sprintf("delete created %s/%s", op.Resource, op.Name),
		}}

	case contracts.VerbCordon:
		return []contracts.RollbackStep{{
			Order:       1,
			Operation:   contracts.Operation{Verb: contracts.VerbUncordon, Resource: op.Resource, Name: op.Name},
			Description: fmt.Sprintf("uncordon %s", op.Name),
		}}

	case contracts.VerbUncordon:
		return []contracts.RollbackStep{{
			Order:       1,
			Operation:   contracts.Operation{Verb: contracts.VerbCordon, Resource: op.Resource, Name: op.Name},
			Description: fmt.Sprintf("cordon %s", op.Name),
		}}
	}
	return nil
}
