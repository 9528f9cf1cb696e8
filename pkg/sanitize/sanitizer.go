package sanitize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// Detector names stamped on findings so audit consumers can attribute hits.
const (
	detectorPattern    = "pattern"
	detectorStructural = "structural"
	detectorParameter  = "parameter"
	detectorUnicode    = "unicode"
	detectorSocial     = "social"
	detectorSession    = "session"
)

// Sanitizer screens candidate commands before classification. It is safe for
// concurrent use; all mutable state lives in the SignalStore.
type Sanitizer struct {
	rules   *RuleSet
	signals SignalStore
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
}

// NewSanitizer builds a Sanitizer over the given rule set and session store.
func NewSanitizer(rules *RuleSet, signals SignalStore, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{
		rules:   rules,
		signals: signals,
		logger:  logger.With("component", "sanitizer"),
		clock:   time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sanitizer) WithClock(clock func() time.Time) *Sanitizer {
	s.clock = clock
	return s
}

// Sanitize runs every detector over the candidate and returns all findings,
// blocking and advisory alike. When any finding blocks, the returned cleaned
// command is nil and err wraps ErrInputRejected; otherwise the cleaned
// command carries the normalized text for downstream classification.
//
// Findings are always complete: detection does not short-circuit on the
// first blocking hit, so the audit trail shows everything that matched.
func (s *Sanitizer) Sanitize(ctx context.Context, cmd contracts.CandidateCommand) (*contracts.CleanedCommand, []contracts.SanitizationFinding, error) {
	now := s.clock()
	normalized, report := Normalize(cmd.RawText)

	var findings []contracts.SanitizationFinding
	add := func(technique contracts.Technique, ruleID, detector string, sev contracts.Severity, span contracts.Span, reason string, confidence float64) {
		findings = append(findings, contracts.SanitizationFinding{
			ID:         s.newID(),
			CommandID:  cmd.ID,
			Technique:  technique,
			RuleID:     ruleID,
			Detector:   detector,
			Severity:   sev,
			Span:       span,
			Blocked:    sev.Blocking(),
			Reason:     reason,
			Confidence: confidence,
			DetectedAt: now,
		})
	}

	// Unicode layer first: invisible control characters are only ever
	// present to hide something, so they block on their own.
	if report.ZeroWidthRemoved > 0 || report.BidiRemoved > 0 {
		add(contracts.TechniqueObfuscation, "obf-invisible", detectorUnicode, contracts.SeverityHigh,
			contracts.Span{},
			fmt.Sprintf("invisible characters stripped (zero-width=%d bidi=%d)", report.ZeroWidthRemoved, report.BidiRemoved),
			0.99)
	} else if report.HomoglyphsFolded > 0 {
		add(contracts.TechniqueObfuscation, "obf-homoglyph", detectorUnicode, contracts.SeverityMedium,
			contracts.Span{},
			fmt.Sprintf("%d confusable characters folded to ASCII", report.HomoglyphsFolded),
			0.85)
	}

	// Pattern layers run over the normalized text so substitution tricks
	// cannot dodge a rule.
	for _, rule := range s.rules.Injection {
		if loc := rule.re.FindStringIndex(normalized); loc != nil {
			add(rule.Technique, rule.ID, detectorPattern, rule.Severity,
				contracts.Span{Start: loc[0], End: loc[1], Excerpt: excerpt(normalized, loc[0], loc[1])},
				rule.Reason, 0.9)
		}
	}
	for _, rule := range s.rules.Authority {
		if loc := rule.re.FindStringIndex(normalized); loc != nil {
			add(rule.Technique, rule.ID, detectorPattern, rule.Severity,
				contracts.Span{Start: loc[0], End: loc[1], Excerpt: excerpt(normalized, loc[0], loc[1])},
				rule.Reason, 0.9)
		}
	}

	for _, sf := range analyzeShellStructure(normalized) {
		add(contracts.TechniqueCommandInjection, sf.RuleID, detectorStructural, contracts.SeverityCritical,
			sf.Span, sf.Reason, 0.95)
	}

	for _, pf := range analyzeParameters(cmd.Operation) {
		add(contracts.TechniqueParameterInjection, pf.RuleID, detectorParameter, contracts.SeverityHigh,
			contracts.Span{Excerpt: pf.Value}, pf.Reason+" ("+pf.Field+")", 0.9)
	}

	// Social pressure accumulates: individual phrases stay advisory, but a
	// combined effectiveness score past the threshold is worth flagging for
	// human reviewers.
	var socialScore float64
	for _, rule := range s.rules.Social {
		if loc := rule.re.FindStringIndex(normalized); loc != nil {
			socialScore += 0.25
			add(rule.Technique, rule.ID, detectorSocial, rule.Severity,
				contracts.Span{Start: loc[0], End: loc[1], Excerpt: excerpt(normalized, loc[0], loc[1])},
				rule.Reason, 0.7)
		}
	}
	if socialScore >= s.rules.SocialThreshold {
		add(contracts.TechniqueSocialEngineering, "soc-combined", detectorSocial, contracts.SeverityMedium,
			contracts.Span{},
			fmt.Sprintf("combined social pressure score %.2f at or above threshold %.2f", socialScore, s.rules.SocialThreshold),
			socialScore)
	}

	// Session layer: advance each attack shape whose next stage this request
	// matches; a completed shape blocks even when the request is individually
	// harmless.
	if cmd.SessionID != "" && s.signals != nil {
		for _, shape := range s.rules.MultiStage {
			progress, err := s.signals.Progress(ctx, cmd.SessionID, shape.ID)
			if err != nil {
				s.logger.WarnContext(ctx, "signal store read failed, skipping shape",
					"shape", shape.ID, "session", cmd.SessionID, "error", err)
				continue
			}
			if progress >= len(shape.Stages) || !shape.Stages[progress].Matches(normalized) {
				continue
			}
			progress, err = s.signals.Advance(ctx, cmd.SessionID, shape.ID, progress)
			if err != nil {
				s.logger.WarnContext(ctx, "signal store advance failed",
					"shape", shape.ID, "session", cmd.SessionID, "error", err)
				continue
			}
			if progress == len(shape.Stages) {
				add(contracts.TechniqueMultiStage, shape.ID, detectorSession, contracts.SeverityHigh,
					contracts.Span{}, shape.Reason, 0.8)
			}
		}
	}

	blocked := false
	for _, f := range findings {
		if f.Blocked {
			blocked = true
			break
		}
	}

	s.logger.InfoContext(ctx, "sanitization complete",
		"command_id", cmd.ID,
		"session_id", cmd.SessionID,
		"findings", len(findings),
		"max_severity", string(contracts.MaxSeverity(findings)),
		"blocked", blocked,
		"rules_version", s.rules.Version)

	if blocked {
		return nil, findings, fmt.Errorf("%w: %s", contracts.ErrInputRejected, rejectReason(findings))
	}

	return &contracts.CleanedCommand{
		Candidate:      cmd,
		NormalizedText: normalized,
		SanitizedAt:    now,
	}, findings, nil
}

// rejectReason names the first blocking finding for the error message.
func rejectReason(findings []contracts.SanitizationFinding) string {
	for _, f := range findings {
		if f.Blocked {
			return fmt.Sprintf("%s (%s)", f.Reason, f.RuleID)
		}
	}
	return "blocking finding"
}
