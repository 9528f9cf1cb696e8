package classify_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegate-labs/kubegate/pkg/classify"
	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

func newClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.NewClassifier(nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c
}

func cleaned(op contracts.Operation) contracts.CleanedCommand {
	return contracts.CleanedCommand{
		Candidate: contracts.CandidateCommand{
			ID:        "cmd-1",
			RawText:   op.Describe(),
			Operation: op,
			ActorID:   "user-1",
			ClusterID: "prod-east",
			CreatedAt: time.Now(),
		},
		NormalizedText: op.Describe(),
		SanitizedAt:    time.Now(),
	}
}

func TestReadOnlyCommandIsSafe(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{Verb: contracts.VerbGet, Resource: "pods", Namespace: "default"}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{Environment: "production"})
	require.NoError(t, err)

	assert.Equal(t, contracts.TierSafe, result.Tier)
	assert.Less(t, result.RiskScore, contracts.ScoreWarningFloor)
	assert.Equal(t, contracts.DestructionNone, result.DestructionLevel)
	assert.False(t, result.HasDataLossRisk)
	assert.False(t, result.Controls.RequiresConfirmation)
	assert.False(t, result.Controls.RequiresMultiStepApproval)
	assert.Zero(t, result.Controls.MandatoryDelay)
	assert.Equal(t, 0, result.RequiredApprovals())
	assert.NoError(t, result.Validate())
}

func TestDeleteProductionNamespaceIsDangerous(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{Verb: contracts.VerbDelete, Resource: "namespaces", Name: "production"}
	env := classify.ClusterContext{
		Environment:         "production",
		ProtectedNamespaces: []string{"production", "kube-system"},
	}
	result, err := c.Classify(context.Background(), cleaned(op), nil, env)
	require.NoError(t, err)

	assert.Equal(t, contracts.TierDangerous, result.Tier)
	assert.GreaterOrEqual(t, result.RiskScore, contracts.ScoreDangerousFloor)
	assert.Equal(t, contracts.DestructionBulk, result.DestructionLevel)
	assert.True(t, result.HasDataLossRisk)
	assert.False(t, result.Reversible)
	assert.True(t, result.Controls.RequiresMultiStepApproval)
	assert.True(t, result.Controls.RequiresRollbackPlan)
	assert.GreaterOrEqual(t, result.Controls.MandatoryDelay, 5*time.Second)
	assert.Equal(t, 2, result.RequiredApprovals())
	assert.NotEmpty(t, result.Warnings)
	assert.GreaterOrEqual(t, result.BlastRadius.ResourceCount, 10)
	assert.NoError(t, result.Validate())
}

func TestUnknownVerbFailsClosed(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{Verb: contracts.Verb("exec"), Resource: "pods", Namespace: "default", Name: "web-1"}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{})
	require.NoError(t, err)

	assert.Equal(t, contracts.TierDangerous, result.Tier)
	assert.Equal(t, 2, result.RequiredApprovals())
}

func TestCredentialReadRaisesToWarning(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{Verb: contracts.VerbGet, Resource: "secrets", Namespace: "payments"}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{})
	require.NoError(t, err)

	assert.Equal(t, contracts.TierWarning, result.Tier)
	assert.Equal(t, 1, result.RequiredApprovals())
	assert.True(t, result.Controls.RequiresConfirmation)
	assert.False(t, result.Controls.RequiresMultiStepApproval)
	assert.False(t, result.HasDataLossRisk)
}

func TestScaleIsWarningAndReversible(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{
		Verb: contracts.VerbScale, Resource: "deployments", Namespace: "shop", Name: "checkout",
		Flags: map[string]string{"replicas": "5"},
	}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{Environment: "staging"})
	require.NoError(t, err)

	assert.Equal(t, contracts.TierWarning, result.Tier)
	assert.True(t, result.Reversible)
	assert.Equal(t, contracts.DestructionConfig, result.DestructionLevel)
	assert.True(t, result.Controls.RequiresRollbackPlan)
}

func TestContextAmplifiersRaiseScore(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{
		Verb: contracts.VerbScale, Resource: "deployments", Namespace: "shop", Name: "checkout",
		Flags: map[string]string{"replicas": "0"},
	}

	quiet, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{Environment: "staging"})
	require.NoError(t, err)

	busy, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{
		Environment: "production",
		PeakWindow:  true,
	})
	require.NoError(t, err)

	assert.Greater(t, busy.RiskScore, quiet.RiskScore)
	require.NotEmpty(t, busy.Amplifiers)
	names := make([]string, 0, len(busy.Amplifiers))
	for _, a := range busy.Amplifiers {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "production_environment")
	assert.Contains(t, names, "peak_traffic_window")
	assert.True(t, busy.Tier.AtLeast(quiet.Tier))
}

func TestBulkDeleteIsDangerousRegardlessOfContext(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{
		Verb: contracts.VerbDelete, Resource: "pods", Namespace: "dev",
		Flags: map[string]string{"all": "true"},
	}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{Environment: "development"})
	require.NoError(t, err)

	assert.Equal(t, contracts.TierDangerous, result.Tier)
	assert.Equal(t, contracts.DestructionBulk, result.DestructionLevel)
	assert.NotEmpty(t, result.Suggestions)
}

func TestBrokenContextRuleAppliesConservatively(t *testing.T) {
	c := newClassifier(t)
	c.WithContextRules([]classify.ContextRule{
		{Name: "broken_rule", Expr: `env.environment`, Weight: 0.3, Detail: "never evaluates to bool"},
	})

	op := contracts.Operation{Verb: contracts.VerbScale, Resource: "deployments", Namespace: "shop", Name: "checkout"}
	result, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{Environment: "staging"})
	require.NoError(t, err)

	require.Len(t, result.Amplifiers, 1)
	assert.Equal(t, "broken_rule", result.Amplifiers[0].Name)
	assert.Contains(t, result.Amplifiers[0].Detail, "applied conservatively")
}

type failingEstimator struct{}

func (failingEstimator) Estimate(context.Context, contracts.Operation) (contracts.BlastRadius, error) {
	return contracts.BlastRadius{}, errors.New("cluster unreachable")
}

func TestEstimatorFailureIsClassificationFailure(t *testing.T) {
	c, err := classify.NewClassifier(failingEstimator{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	op := contracts.Operation{Verb: contracts.VerbDelete, Resource: "pods", Namespace: "dev", Name: "web-1"}
	_, err = c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{})
	require.ErrorIs(t, err, contracts.ErrClassificationFailure)
}

func TestAdvisoryFindingsAmplify(t *testing.T) {
	c := newClassifier(t)

	op := contracts.Operation{Verb: contracts.VerbScale, Resource: "deployments", Namespace: "shop", Name: "checkout"}
	findings := []contracts.SanitizationFinding{
		{ID: "f1", Technique: contracts.TechniqueSocialEngineering, Severity: contracts.SeverityLow},
		{ID: "f2", Technique: contracts.TechniqueSocialEngineering, Severity: contracts.SeverityMedium},
	}

	flagged, err := c.Classify(context.Background(), cleaned(op), findings, classify.ClusterContext{})
	require.NoError(t, err)
	clean, err := c.Classify(context.Background(), cleaned(op), nil, classify.ClusterContext{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, flagged.RiskScore, clean.RiskScore)
	names := make([]string, 0, len(flagged.Amplifiers))
	for _, a := range flagged.Amplifiers {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "advisory_findings")
}
