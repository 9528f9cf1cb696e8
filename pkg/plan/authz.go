package plan

import (
	"context"
	"fmt"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// AuthzDecision is the outcome of an authorization pre-check. Remediation is
// shown to the requester when denied, so they know which grant to ask for.
type AuthzDecision struct {
	Allowed     bool
	Remediation string
}

// Authorizer answers RBAC questions before a plan is created or approved.
// The pre-check runs at proposal time: a requester who could never execute
// the operation gets an immediate denial with remediation instead of a
// pointless approval round.
type Authorizer interface {
	CanExecute(ctx context.Context, actorID string, op contracts.Operation) (AuthzDecision, error)
	CanApprove(ctx context.Context, actorID string, tier contracts.Tier) (AuthzDecision, error)
}

// Role names understood by the static authorizer.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

// StaticAuthorizer is a role-table Authorizer for single-team deployments
// and tests. Production deployments implement Authorizer against the
// cluster's own RBAC.
type StaticAuthorizer struct {
	roles map[string]string
}

// NewStaticAuthorizer builds an authorizer from an actor-to-role table.
func NewStaticAuthorizer(roles map[string]string) *StaticAuthorizer {
	return &StaticAuthorizer{roles: roles}
}

func (a *StaticAuthorizer) CanExecute(_ context.Context, actorID string, op contracts.Operation) (AuthzDecision, error) {
	role, ok := a.roles[actorID]
	if !ok {
		return AuthzDecision{Remediation: "actor is unknown; request access from a cluster admin"}, nil
	}
	if op.IsReadOnly() {
		return AuthzDecision{Allowed: true}, nil
	}
	switch role {
	case RoleOperator, RoleApprover, RoleAdmin:
		return AuthzDecision{Allowed: true}, nil
	default:
		return AuthzDecision{
			Remediation: fmt.Sprintf("role %q cannot mutate resources; request the operator role for verb %q", role, op.Verb),
		}, nil
	}
}

func (a *StaticAuthorizer) CanApprove(_ context.Context, actorID string, tier contracts.Tier) (AuthzDecision, error) {
	role, ok := a.roles[actorID]
	if !ok {
		return AuthzDecision{Remediation: "approver is unknown; request access from a cluster admin"}, nil
	}
	switch role {
	case RoleApprover, RoleAdmin:
		return AuthzDecision{Allowed: true}, nil
	case RoleOperator:
		// Operators may approve WARNING plans; DANGEROUS needs a designated
		// approver.
		if tier == contracts.TierWarning {
			return AuthzDecision{Allowed: true}, nil
		}
		return AuthzDecision{Remediation: "DANGEROUS plans require the approver role"}, nil
	default:
		return AuthzDecision{Remediation: fmt.Sprintf("role %q cannot approve plans", role)}, nil
	}
}
