package classify

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// ClusterContext is the operational situation a command runs in. The context
// layer amplifies risk; it never excuses it.
type ClusterContext struct {
	Environment         string   `json:"environment"` // production, staging, development
	ProtectedNamespaces []string `json:"protected_namespaces,omitempty"`
	ActorRole           string   `json:"actor_role,omitempty"`
	PeakWindow          bool     `json:"peak_window"`
}

// ContextRule is one CEL-expressed amplifier. When the expression is true for
// an operation in its context, the rule's weight is added to the risk score
// and the amplifier is reported by name.
type ContextRule struct {
	Name   string
	Expr   string
	Weight float64
	Detail string
}

// DefaultContextRules cover the situations that make an otherwise routine
// operation worth a closer look.
func DefaultContextRules() []ContextRule {
	return []ContextRule{
		{
			Name:   "production_environment",
			Expr:   `env.environment == "production" && !op.read_only`,
			Weight: 0.20,
			Detail: "mutation targets the production environment",
		},
		{
			Name:   "protected_namespace",
			Expr:   `op.namespace in env.protected_namespaces && !op.read_only`,
			Weight: 0.25,
			Detail: "mutation inside a protected namespace",
		},
		{
			Name:   "peak_traffic_window",
			Expr:   `env.peak_window && !op.read_only`,
			Weight: 0.15,
			Detail: "mutation during peak traffic",
		},
		{
			Name:   "low_privilege_actor",
			Expr:   `env.actor_role in ["viewer", "guest"] && !op.read_only`,
			Weight: 0.20,
			Detail: "requester's role does not normally mutate resources",
		},
		{
			Name:   "advisory_findings",
			Expr:   `findings.advisory >= 2`,
			Weight: 0.10,
			Detail: "sanitizer flagged multiple advisory findings",
		},
	}
}

// contextEngine compiles and caches CEL programs for context rules,
// fail-closed: a rule that cannot be evaluated counts as matched.
type contextEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newContextEngine() (*contextEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("op", cel.DynType),
		cel.Variable("env", cel.DynType),
		cel.Variable("findings", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("classify: cel environment: %w", err)
	}
	return &contextEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *contextEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

// matches evaluates the rule; an evaluation failure reports matched=true with
// a non-nil error so the caller applies the amplifier conservatively.
func (e *contextEngine) matches(rule ContextRule, input map[string]any) (bool, error) {
	prg, err := e.program(rule.Expr)
	if err != nil {
		return true, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return true, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("rule %s did not evaluate to bool", rule.Name)
	}
	return matched, nil
}

// celInput builds the evaluation scope shared by every context rule.
func celInput(op contracts.Operation, env ClusterContext, advisory int) map[string]any {
	protected := env.ProtectedNamespaces
	if protected == nil {
		protected = []string{}
	}
	return map[string]any{
		"op": map[string]any{
			"verb":      string(op.Verb),
			"resource":  op.Resource,
			"namespace": op.Namespace,
			"name":      op.Name,
			"read_only": op.IsReadOnly(),
		},
		"env": map[string]any{
			"environment":          env.Environment,
			"protected_namespaces": protected,
			"actor_role":           env.ActorRole,
			"peak_window":          env.PeakWindow,
		},
		"findings": map[string]any{
			"advisory": advisory,
		},
	}
}
