package classify

import (
	"fmt"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// semanticRaise is one resource-semantics rule: when it applies, the tier
// goes up one step and the reason is recorded for the rationale.
type semanticRaise struct {
	Name   string
	Reason string
}

// credentialKinds grant access when read and break workloads when mutated.
var credentialKinds = map[string]bool{
	"secrets":             true,
	"serviceaccounts":     true,
	"roles":               true,
	"rolebindings":        true,
	"clusterroles":        true,
	"clusterrolebindings": true,
}

// semanticRaises returns the semantic-layer raises that apply to the
// operation. Each raise moves the tier one step; the layer as a whole is
// raise-only.
func semanticRaises(op contracts.Operation) []semanticRaise {
	var raises []semanticRaise

	if credentialKinds[op.Resource] {
		raises = append(raises, semanticRaise{
			Name:   "credential_resource",
			Reason: fmt.Sprintf("%s carry credentials and access grants", op.Resource),
		})
	}

	if _, ok := op.Flags["all-namespaces"]; ok {
		raises = append(raises, semanticRaise{
			Name:   "cross_namespace",
			Reason: "operation spans every namespace",
		})
	}

	if !op.IsReadOnly() {
		if _, ok := op.Flags["all"]; ok {
			raises = append(raises, semanticRaise{
				Name:   "bulk_selector",
				Reason: "operation targets all resources of its kind",
			})
		} else if op.Selector != "" && op.Name == "" {
			raises = append(raises, semanticRaise{
				Name:   "label_selector_mutation",
				Reason: fmt.Sprintf("mutation selects by label %q instead of naming one resource", op.Selector),
			})
		}

		if _, ok := op.Flags["force"]; ok {
			raises = append(raises, semanticRaise{
				Name:   "forced",
				Reason: "--force skips graceful termination",
			})
		}
		if op.Flags["grace-period"] == "0" {
			raises = append(raises, semanticRaise{
				Name:   "no_grace_period",
				Reason: "zero grace period kills workloads immediately",
			})
		}
		if dataKinds[op.Resource] {
			raises = append(raises, semanticRaise{
				Name:   "stateful_resource",
				Reason: fmt.Sprintf("%s hold persistent state", op.Resource),
			})
		}
	}

	return raises
}
