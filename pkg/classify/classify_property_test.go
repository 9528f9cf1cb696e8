//go:build property
// +build property

// Property-based tests for the classifier's monotonicity and band invariants.
package classify_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kubegate-labs/kubegate/pkg/classify"
	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

var propertyVerbs = []contracts.Verb{
	contracts.VerbGet, contracts.VerbList, contracts.VerbDescribe, contracts.VerbLogs,
	contracts.VerbCreate, contracts.VerbApply, contracts.VerbPatch, contracts.VerbScale,
	contracts.VerbLabel, contracts.VerbAnnotate, contracts.VerbExpose, contracts.VerbRollout,
	contracts.VerbCordon, contracts.VerbUncordon, contracts.VerbDelete, contracts.VerbDrain,
}

var propertyResources = []string{
	"pods", "deployments", "services", "secrets", "configmaps",
	"namespaces", "persistentvolumeclaims", "statefulsets", "nodes",
}

var propertyEnvironments = []string{"development", "staging", "production"}

func propertyOperation(verbIdx, resIdx int, name string, all bool) contracts.Operation {
	op := contracts.Operation{
		Verb:      propertyVerbs[verbIdx%len(propertyVerbs)],
		Resource:  propertyResources[resIdx%len(propertyResources)],
		Namespace: "default",
		Name:      name,
	}
	if all {
		op.Flags = map[string]string{"all": "true"}
	}
	return op
}

// TestScoreAlwaysInsideTierBand verifies the verdict's score and tier can
// never disagree, whatever the operation and context.
func TestScoreAlwaysInsideTierBand(t *testing.T) {
	c, err := classify.NewClassifier(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score stays inside the tier's band", prop.ForAll(
		func(verbIdx, resIdx, envIdx int, name string, all, peak bool) bool {
			op := propertyOperation(verbIdx, resIdx, name, all)
			env := classify.ClusterContext{
				Environment: propertyEnvironments[envIdx%len(propertyEnvironments)],
				PeakWindow:  peak,
			}
			result, err := c.Classify(context.Background(), propertyCleaned(op), nil, env)
			if err != nil {
				return false
			}
			if result.RiskScore < 0 || result.RiskScore > 1 {
				return false
			}
			return contracts.TierForScore(result.RiskScore) == result.Tier && result.Validate() == nil
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.RegexMatch("[a-z][a-z0-9-]{0,10}"),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestContextNeverLowersTier verifies the context layer is raise-only: the
// verdict in any context is at least the verdict in the empty context.
func TestContextNeverLowersTier(t *testing.T) {
	c, err := classify.NewClassifier(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("richer context can only raise the tier", prop.ForAll(
		func(verbIdx, resIdx, envIdx int, name string, all, peak bool) bool {
			op := propertyOperation(verbIdx, resIdx, name, all)

			baseline, err := c.Classify(context.Background(), propertyCleaned(op), nil, classify.ClusterContext{})
			if err != nil {
				return false
			}
			contextual, err := c.Classify(context.Background(), propertyCleaned(op), nil, classify.ClusterContext{
				Environment:         propertyEnvironments[envIdx%len(propertyEnvironments)],
				ProtectedNamespaces: []string{"default"},
				PeakWindow:          peak,
			})
			if err != nil {
				return false
			}
			return contextual.Tier.AtLeast(baseline.Tier) && contextual.RiskScore >= baseline.RiskScore
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.RegexMatch("[a-z][a-z0-9-]{0,10}"),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func propertyCleaned(op contracts.Operation) contracts.CleanedCommand {
	return contracts.CleanedCommand{
		Candidate: contracts.CandidateCommand{
			ID:        "cmd-prop",
			RawText:   op.Describe(),
			Operation: op,
			ActorID:   "user-prop",
			ClusterID: "test",
		},
		NormalizedText: op.Describe(),
	}
}
