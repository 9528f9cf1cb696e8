package contracts

import "time"

// Technique identifies the attack technique a sanitization finding matched.
type Technique string

const (
	TechniqueCommandInjection    Technique = "command_injection"
	TechniqueParameterInjection  Technique = "parameter_injection"
	TechniqueAuthorityOverride   Technique = "authority_override"
	TechniqueRoleImpersonation   Technique = "role_impersonation"
	TechniquePrivilegeEscalation Technique = "privilege_escalation"
	TechniqueSocialEngineering   Technique = "social_engineering"
	TechniqueObfuscation         Technique = "polymorphic_obfuscation"
	TechniqueMultiStage          Technique = "multi_stage_attack"
)

// Severity grades a finding. High and critical findings block the request
// outright; medium and low findings flow to the classifier as amplifiers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity causes outright rejection.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// rank orders severities for comparison; unknown severities rank lowest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Span marks the matched region of the input text.
type Span struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Excerpt string `json:"excerpt,omitempty"`
}

// SanitizationFinding is one detector hit for a candidate command.
// Immutable once created; referenced by the ledger whether or not it blocked.
type SanitizationFinding struct {
	ID         string    `json:"id"`
	CommandID  string    `json:"command_id"`
	Technique  Technique `json:"technique"`
	RuleID     string    `json:"rule_id"`
	Detector   string    `json:"detector"`
	Severity   Severity  `json:"severity"`
	Span       Span      `json:"span"`
	Blocked    bool      `json:"blocked"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// MaxSeverity returns the highest severity across findings, or "" for none.
func MaxSeverity(findings []SanitizationFinding) Severity {
	var max Severity
	for _, f := range findings {
		if f.Severity.rank() > max.rank() {
			max = f.Severity
		}
	}
	return max
}
