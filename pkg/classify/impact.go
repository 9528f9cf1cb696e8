package classify

import (
	"context"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// Estimator predicts the blast radius of an operation. Implementations range
// from static heuristics to live cluster lookups; the classifier only needs
// the estimate, not the method.
type Estimator interface {
	Estimate(ctx context.Context, op contracts.Operation) (contracts.BlastRadius, error)
}

// bulkResourceThreshold is the estimated resource count at which the impact
// layer treats an operation as cluster-significant.
const bulkResourceThreshold = 10

// StaticEstimator derives blast radius from the operation shape alone, with
// no cluster round trip. It deliberately over-estimates bulk shapes: the
// impact layer can only raise the tier, so an estimate that is too big costs
// an approval, while one that is too small costs an outage.
type StaticEstimator struct{}

func (StaticEstimator) Estimate(_ context.Context, op contracts.Operation) (contracts.BlastRadius, error) {
	radius := contracts.BlastRadius{ResourceCount: 1}

	switch {
	case namespaceKinds[op.Resource]:
		radius.ResourceCount = 50
		radius.Dependents = []string{"workloads", "services", "configmaps", "secrets", "persistentvolumeclaims"}
	case op.Verb == contracts.VerbDrain:
		radius.ResourceCount = 30
		radius.Dependents = []string{"pods"}
	case targetsMany(op):
		radius.ResourceCount = bulkResourceThreshold
	}

	if !op.IsReadOnly() && radius.ResourceCount >= bulkResourceThreshold {
		radius.AffectedUsers = radius.ResourceCount * 10
	}
	return radius, nil
}
