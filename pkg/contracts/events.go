package contracts

import "errors"

// EventType categorizes audit events produced by the pipeline. Every stage
// writes one entry per decision; execution writes one per attempt outcome.
type EventType string

const (
	EventSanitization  EventType = "sanitization"
	EventClassification EventType = "classification"
	EventPlanCreated   EventType = "plan_created"
	EventDryRun        EventType = "dry_run"
	EventApprovalStep  EventType = "approval_step"
	EventAuthzCheck    EventType = "authz_check"
	EventStateChange   EventType = "state_change"
	EventExecution     EventType = "execution"
	EventRollback      EventType = "rollback"
	EventArchival      EventType = "archival"
)

// PipelineEvent is the unit handed to the audit ledger. Payload is redacted
// before hashing and storage.
type PipelineEvent struct {
	Type    EventType `json:"type"`
	ActorID string    `json:"actor_id"`
	PlanID  string    `json:"plan_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// ErrMissingField builds the conventional missing-field error.
func ErrMissingField(field string) error {
	return errors.New(field + " is required")
}
