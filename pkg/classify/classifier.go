package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// destructionScores seed the risk score from how much the operation can
// destroy; amplifiers move it up from there.
var destructionScores = map[contracts.DestructionLevel]float64{
	contracts.DestructionNone:     0.05,
	contracts.DestructionConfig:   0.20,
	contracts.DestructionCreation: 0.25,
	contracts.DestructionResource: 0.50,
	contracts.DestructionBulk:     0.75,
	contracts.DestructionData:     0.85,
}

// dangerousDelay is the cooling-off period before a DANGEROUS plan may run.
const dangerousDelay = 5 * time.Second

// Classifier produces one immutable verdict per cleaned command.
// Safe for concurrent use.
type Classifier struct {
	engine    *contextEngine
	rules     []ContextRule
	estimator Estimator
	logger    *slog.Logger
	clock     func() time.Time
}

// NewClassifier builds a classifier with the default context rules. Pass a
// nil estimator to use the static shape-based one.
func NewClassifier(estimator Estimator, logger *slog.Logger) (*Classifier, error) {
	engine, err := newContextEngine()
	if err != nil {
		return nil, err
	}
	if estimator == nil {
		estimator = StaticEstimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		engine:    engine,
		rules:     DefaultContextRules(),
		estimator: estimator,
		logger:    logger.With("component", "classifier"),
		clock:     time.Now,
	}, nil
}

// WithContextRules replaces the context rule set. Call before first use.
func (c *Classifier) WithContextRules(rules []ContextRule) *Classifier {
	c.rules = rules
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Classifier) WithClock(clock func() time.Time) *Classifier {
	c.clock = clock
	return c
}

// Classify runs the four layers over a cleaned command and returns the
// verdict. Failures wrap ErrClassificationFailure; callers must treat such
// commands as DANGEROUS.
func (c *Classifier) Classify(ctx context.Context, cleaned contracts.CleanedCommand, findings []contracts.SanitizationFinding, env ClusterContext) (*contracts.ClassificationResult, error) {
	op := cleaned.Candidate.Operation
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrClassificationFailure, err)
	}

	// Layer 1: verb syntax.
	tier := baseTier(op.Verb)
	var rationale []string
	rationale = append(rationale, fmt.Sprintf("verb %q starts at %s", op.Verb, tier))

	destruction := destructionFor(op)
	reversible := reversibleFor(op)

	// Layer 2: resource semantics, one step per raise.
	for _, raise := range semanticRaises(op) {
		tier = tier.Raise()
		rationale = append(rationale, raise.Reason)
	}

	// Layer 3: cluster context, CEL rules as score amplifiers. A rule that
	// cannot be evaluated is applied as if it matched.
	advisory := 0
	for _, f := range findings {
		if !f.Blocked {
			advisory++
		}
	}
	input := celInput(op, env, advisory)

	var amplifiers []contracts.Amplifier
	for _, rule := range c.rules {
		matched, err := c.engine.matches(rule, input)
		if err != nil {
			c.logger.WarnContext(ctx, "context rule failed, applying conservatively",
				"rule", rule.Name, "error", err)
			amplifiers = append(amplifiers, contracts.Amplifier{
				Name:   rule.Name,
				Weight: rule.Weight,
				Detail: "rule evaluation failed; applied conservatively",
			})
			continue
		}
		if matched {
			amplifiers = append(amplifiers, contracts.Amplifier{
				Name:   rule.Name,
				Weight: rule.Weight,
				Detail: rule.Detail,
			})
			rationale = append(rationale, rule.Detail)
		}
	}

	// Layer 4: blast-radius impact.
	radius, err := c.estimator.Estimate(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%w: impact estimate: %v", contracts.ErrClassificationFailure, err)
	}
	if !op.IsReadOnly() {
		if destruction.AtLeast(contracts.DestructionBulk) {
			tier = tier.Max(contracts.TierDangerous)
			rationale = append(rationale, fmt.Sprintf("destruction level %s", destruction))
		} else if radius.ResourceCount >= bulkResourceThreshold {
			tier = tier.Raise()
			rationale = append(rationale, fmt.Sprintf("estimated blast radius of %d resources", radius.ResourceCount))
		}
	}

	// Score: destruction seed plus amplifier weights, then reconciled with
	// the layered tier so the band invariant holds in both directions.
	score := destructionScores[destruction]
	for _, a := range amplifiers {
		score += a.Weight
	}
	if score > 1 {
		score = 1
	}
	tier = tier.Max(contracts.TierForScore(score))
	if min := tier.MinScore(); score < min {
		score = min
	}

	result := &contracts.ClassificationResult{
		CommandID:        cleaned.Candidate.ID,
		Tier:             tier,
		RiskScore:        score,
		DestructionLevel: destruction,
		Reversible:       reversible,
		HasDataLossRisk:  hasDataLossRisk(op, destruction),
		BlastRadius:      radius,
		Controls:         controlsFor(tier, op),
		Amplifiers:       amplifiers,
		Rationale:        strings.Join(rationale, "; "),
		Suggestions:      suggestionsFor(op, tier, reversible),
		Warnings:         warningsFor(op, destruction, reversible),
		ClassifiedAt:     c.clock(),
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrClassificationFailure, err)
	}

	c.logger.InfoContext(ctx, "command classified",
		"command_id", result.CommandID,
		"tier", string(result.Tier),
		"score", result.RiskScore,
		"destruction", string(result.DestructionLevel),
		"amplifiers", len(result.Amplifiers))
	return result, nil
}

// controlsFor derives the safety controls the coordinator must enforce.
func controlsFor(tier contracts.Tier, op contracts.Operation) contracts.SafetyControls {
	switch tier {
	case contracts.TierDangerous:
		return contracts.SafetyControls{
			RequiresConfirmation:      true,
			RequiresMultiStepApproval: true,
			MandatoryDelay:            dangerousDelay,
			RequiresRollbackPlan:      true,
		}
	case contracts.TierWarning:
		return contracts.SafetyControls{
			RequiresConfirmation: true,
			RequiresRollbackPlan: !op.IsReadOnly(),
		}
	default:
		return contracts.SafetyControls{}
	}
}

func suggestionsFor(op contracts.Operation, tier contracts.Tier, reversible bool) []string {
	var s []string
	if targetsMany(op) && !op.IsReadOnly() {
		s = append(s, "name a specific resource instead of targeting the whole kind")
	}
	if op.Verb == contracts.VerbDelete && namespaceKinds[op.Resource] {
		s = append(s, "delete individual workloads if the namespace itself must survive")
	}
	if tier == contracts.TierDangerous && op.Verb == contracts.VerbDelete {
		s = append(s, "run a dry-run preview and review the affected resources before approving")
	}
	if !reversible && tier != contracts.TierSafe {
		s = append(s, "a pre-execution snapshot will be captured; verify it covers what you need restored")
	}
	return s
}

func warningsFor(op contracts.Operation, destruction contracts.DestructionLevel, reversible bool) []string {
	var w []string
	if hasDataLossRisk(op, destruction) {
		w = append(w, "this operation can permanently destroy persistent data")
	}
	if !reversible && !op.IsReadOnly() {
		w = append(w, "this operation cannot be undone by an inverse operation")
	}
	if op.Verb == contracts.VerbDrain {
		w = append(w, "draining evicts every pod on the node, including ones without replicas elsewhere")
	}
	return w
}
