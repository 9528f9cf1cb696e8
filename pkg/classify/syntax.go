// Package classify assigns every sanitized command a safety tier through four
// raise-only layers: verb syntax, resource semantics, cluster context, and
// blast-radius impact. A layer may raise the tier or leave it alone; nothing
// ever lowers it, so the verdict is monotonically risk-averse.
package classify

import (
	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// baseTiers is the syntax layer: the floor tier each verb starts from.
// Verbs absent from the table classify as DANGEROUS, so a new or mistyped
// verb can never slip through as safe.
var baseTiers = map[contracts.Verb]contracts.Tier{
	contracts.VerbGet:      contracts.TierSafe,
	contracts.VerbList:     contracts.TierSafe,
	contracts.VerbDescribe: contracts.TierSafe,
	contracts.VerbLogs:     contracts.TierSafe,
	contracts.VerbTop:      contracts.TierSafe,

	contracts.VerbCreate:   contracts.TierWarning,
	contracts.VerbApply:    contracts.TierWarning,
	contracts.VerbPatch:    contracts.TierWarning,
	contracts.VerbScale:    contracts.TierWarning,
	contracts.VerbLabel:    contracts.TierWarning,
	contracts.VerbAnnotate: contracts.TierWarning,
	contracts.VerbExpose:   contracts.TierWarning,
	contracts.VerbRollout:  contracts.TierWarning,
	contracts.VerbCordon:   contracts.TierWarning,
	contracts.VerbUncordon: contracts.TierWarning,

	contracts.VerbDelete: contracts.TierDangerous,
	contracts.VerbDrain:  contracts.TierDangerous,
}

// baseTier returns the syntax-layer tier for a verb, DANGEROUS when unknown.
func baseTier(verb contracts.Verb) contracts.Tier {
	if tier, ok := baseTiers[verb]; ok {
		return tier
	}
	return contracts.TierDangerous
}

// dataKinds hold persistent state: destroying one loses data, not just
// running copies.
var dataKinds = map[string]bool{
	"persistentvolumeclaims": true,
	"persistentvolumes":      true,
	"pvc":                    true,
	"pv":                     true,
	"statefulsets":           true,
	"configmaps":             false, // recreatable from manifests
}

// namespaceKinds destroy everything inside them.
var namespaceKinds = map[string]bool{
	"namespaces": true,
	"namespace":  true,
	"ns":         true,
}

// destructionFor grades how much state the operation can destroy.
func destructionFor(op contracts.Operation) contracts.DestructionLevel {
	if op.IsReadOnly() {
		return contracts.DestructionNone
	}
	switch op.Verb {
	case contracts.VerbCreate, contracts.VerbExpose:
		return contracts.DestructionCreation
	case contracts.VerbApply, contracts.VerbPatch, contracts.VerbScale,
		contracts.VerbLabel, contracts.VerbAnnotate, contracts.VerbRollout,
		contracts.VerbCordon, contracts.VerbUncordon:
		return contracts.DestructionConfig
	case contracts.VerbDrain:
		return contracts.DestructionBulk
	case contracts.VerbDelete:
		switch {
		case namespaceKinds[op.Resource]:
			return contracts.DestructionBulk
		case dataKinds[op.Resource]:
			return contracts.DestructionData
		case targetsMany(op):
			return contracts.DestructionBulk
		default:
			return contracts.DestructionResource
		}
	}
	return contracts.DestructionData
}

// targetsMany reports whether the operation addresses resources in bulk
// rather than one named object.
func targetsMany(op contracts.Operation) bool {
	if _, ok := op.Flags["all"]; ok {
		return true
	}
	if _, ok := op.Flags["all-namespaces"]; ok {
		return true
	}
	return op.Name == "" && !namespaceKinds[op.Resource]
}

// reversibleFor reports whether the operation can be undone by an inverse
// operation. Scaling and config changes restore from the snapshot; deletes
// and drains do not bring back what was running.
func reversibleFor(op contracts.Operation) bool {
	switch op.Verb {
	case contracts.VerbDelete, contracts.VerbDrain:
		return false
	case contracts.VerbRollout:
		// Restart recreates pods; the previous live state is gone.
		return false
	}
	return true
}

// hasDataLossRisk reports whether the operation can destroy persistent state.
func hasDataLossRisk(op contracts.Operation, level contracts.DestructionLevel) bool {
	if level == contracts.DestructionData {
		return true
	}
	// Deleting a namespace takes its claims and their volumes with it.
	if level.AtLeast(contracts.DestructionBulk) && (namespaceKinds[op.Resource] || dataKinds[op.Resource]) {
		return true
	}
	return false
}
