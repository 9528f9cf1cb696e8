package contracts

import (
	"fmt"
	"time"
)

// Tier is the three-level safety taxonomy. The classifier is monotonically
// risk-averse: layers may raise the tier, never lower it.
type Tier string

const (
	TierSafe      Tier = "SAFE"
	TierWarning   Tier = "WARNING"
	TierDangerous Tier = "DANGEROUS"
)

// rank orders tiers; unknown tiers rank above DANGEROUS so that a corrupted
// value can never weaken enforcement.
func (t Tier) rank() int {
	switch t {
	case TierSafe:
		return 0
	case TierWarning:
		return 1
	case TierDangerous:
		return 2
	}
	return 3
}

// AtLeast reports whether t is at least as severe as other.
func (t Tier) AtLeast(other Tier) bool { return t.rank() >= other.rank() }

// Max returns the higher of two tiers.
func (t Tier) Max(other Tier) Tier {
	if other.rank() > t.rank() {
		return other
	}
	return t
}

// Raise returns the tier one step above t (DANGEROUS stays DANGEROUS).
func (t Tier) Raise() Tier {
	switch t {
	case TierSafe:
		return TierWarning
	default:
		return TierDangerous
	}
}

// Score bands per tier. A result's score must fall inside its tier's band.
const (
	ScoreWarningFloor   = 0.3
	ScoreDangerousFloor = 0.7
)

// TierForScore maps a risk score to its band.
func TierForScore(score float64) Tier {
	switch {
	case score >= ScoreDangerousFloor:
		return TierDangerous
	case score >= ScoreWarningFloor:
		return TierWarning
	default:
		return TierSafe
	}
}

// MinScore returns the lowest score consistent with the tier's band.
func (t Tier) MinScore() float64 {
	switch t {
	case TierDangerous:
		return ScoreDangerousFloor
	case TierWarning:
		return ScoreWarningFloor
	default:
		return 0
	}
}

// DestructionLevel grades how much state an operation can destroy.
type DestructionLevel string

const (
	DestructionNone       DestructionLevel = "none"
	DestructionConfig     DestructionLevel = "config_change"
	DestructionCreation   DestructionLevel = "resource_creation"
	DestructionResource   DestructionLevel = "resource_destruction"
	DestructionBulk       DestructionLevel = "bulk_destruction"
	DestructionData       DestructionLevel = "data_destruction"
)

func (d DestructionLevel) rank() int {
	switch d {
	case DestructionNone:
		return 0
	case DestructionConfig:
		return 1
	case DestructionCreation:
		return 2
	case DestructionResource:
		return 3
	case DestructionBulk:
		return 4
	case DestructionData:
		return 5
	}
	return 5
}

// AtLeast reports whether d is at least as destructive as other.
func (d DestructionLevel) AtLeast(other DestructionLevel) bool {
	return d.rank() >= other.rank()
}

// BlastRadius estimates the scope of an operation's effect.
type BlastRadius struct {
	ResourceCount int      `json:"resource_count"`
	AffectedUsers int      `json:"affected_users"`
	Dependents    []string `json:"dependents,omitempty"`
}

// SafetyControls names the controls a classification requires before the
// coordinator may execute the plan.
type SafetyControls struct {
	RequiresConfirmation      bool          `json:"requires_confirmation"`
	RequiresMultiStepApproval bool          `json:"requires_multi_step_approval"`
	MandatoryDelay            time.Duration `json:"mandatory_delay,omitempty" swaggertype:"integer"`
	RequiresRollbackPlan      bool          `json:"requires_rollback_plan"`
}

// Amplifier is one named contextual factor that raised the risk score.
// Amplifiers are reported individually so approvers see why the tier moved,
// not just that it did.
type Amplifier struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// ClassificationResult is the classifier's verdict for one cleaned command.
// Immutable; exactly one per sanitized candidate.
type ClassificationResult struct {
	CommandID        string           `json:"command_id"`
	Tier             Tier             `json:"tier"`
	RiskScore        float64          `json:"risk_score"`
	DestructionLevel DestructionLevel `json:"destruction_level"`
	Reversible       bool             `json:"reversible"`
	HasDataLossRisk  bool             `json:"has_data_loss_risk"`
	BlastRadius      BlastRadius      `json:"blast_radius"`
	Controls         SafetyControls   `json:"controls"`
	Amplifiers       []Amplifier      `json:"amplifiers,omitempty"`
	Rationale        string           `json:"rationale"`
	Suggestions      []string         `json:"suggestions,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	ClassifiedAt     time.Time        `json:"classified_at"`
}

// Validate enforces the cross-field invariants of the safety taxonomy:
// DANGEROUS implies multi-step approval and score >= 0.7; SAFE implies no
// approval requirement, no data-loss flag, and score < 0.3.
func (r *ClassificationResult) Validate() error {
	if r.RiskScore < 0 || r.RiskScore > 1 {
		return fmt.Errorf("classification: risk score %v outside [0,1]", r.RiskScore)
	}
	if TierForScore(r.RiskScore) != r.Tier {
		return fmt.Errorf("classification: score %v outside %s band", r.RiskScore, r.Tier)
	}
	switch r.Tier {
	case TierDangerous:
		if !r.Controls.RequiresMultiStepApproval {
			return fmt.Errorf("classification: DANGEROUS without multi-step approval")
		}
	case TierSafe:
		if r.Controls.RequiresConfirmation || r.Controls.RequiresMultiStepApproval {
			return fmt.Errorf("classification: SAFE must not require approval")
		}
		if r.HasDataLossRisk {
			return fmt.Errorf("classification: SAFE must not carry data-loss risk")
		}
	}
	if r.Rationale == "" {
		return fmt.Errorf("classification: %w", ErrMissingField("rationale"))
	}
	return nil
}

// RequiredApprovals returns the approval quorum for the tier: zero for SAFE,
// one for WARNING, two for DANGEROUS.
func (r *ClassificationResult) RequiredApprovals() int {
	switch r.Tier {
	case TierDangerous:
		return 2
	case TierWarning:
		return 1
	default:
		return 0
	}
}
