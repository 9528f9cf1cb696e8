// Package cluster executes approved operations against a Kubernetes cluster
// through kubectl. It is the execution collaborator behind the coordinator's
// Executor, DryRunner, and Snapshotter ports.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// runFunc executes a command and returns its combined output. Injectable so
// tests never fork kubectl.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Runner shells out to kubectl for execution, server-side dry runs, and
// pre-change snapshots.
type Runner struct {
	kubectlPath string
	kubeContext string
	timeout     time.Duration
	run         runFunc
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithKubectlPath overrides the kubectl binary path.
func WithKubectlPath(path string) Option {
	return func(r *Runner) { r.kubectlPath = path }
}

// WithContext pins all invocations to a kubeconfig context.
func WithContext(name string) Option {
	return func(r *Runner) { r.kubeContext = name }
}

// WithTimeout bounds each kubectl invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a kubectl runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		kubectlPath: "kubectl",
		timeout:     2 * time.Minute,
		run:         defaultRun,
		logger:      logger.With("component", "cluster"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// buildArgs renders an operation as a kubectl argument list. Flags are
// emitted in sorted order so the same operation always produces the same
// invocation.
func (r *Runner) buildArgs(op contracts.Operation) []string {
	args := []string{string(op.Verb)}
	if op.Resource != "" {
		args = append(args, op.Resource)
	}
	if op.Name != "" {
		args = append(args, op.Name)
	}
	if op.Selector != "" {
		args = append(args, "-l", op.Selector)
	}
	if op.Namespace != "" {
		args = append(args, "-n", op.Namespace)
	}
	keys := make([]string, 0, len(op.Flags))
	for k := range op.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := op.Flags[k]
		if v == "true" {
			args = append(args, "--"+k)
		} else {
			args = append(args, fmt.Sprintf("--%s=%s", k, v))
		}
	}
	if r.kubeContext != "" {
		args = append(args, "--context="+r.kubeContext)
	}
	return args
}

func (r *Runner) invoke(ctx context.Context, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.run(ctx, r.kubectlPath, args...)
	if err != nil {
		return out, classifyError(err, string(out))
	}
	return out, nil
}

// transientMarkers are apiserver-unreachable signatures that warrant a retry.
var transientMarkers = []string{
	"connection refused",
	"i/o timeout",
	"no route to host",
	"tls handshake timeout",
	"etcdserver: request timed out",
	"the server is currently unable to handle the request",
	"context deadline exceeded",
}

func classifyError(err error, output string) error {
	text := strings.ToLower(output + " " + err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %s", contracts.ErrExecutionTransient, strings.TrimSpace(err.Error()))
		}
	}
	if output != "" {
		return fmt.Errorf("kubectl: %s: %w", strings.TrimSpace(output), err)
	}
	return fmt.Errorf("kubectl: %w", err)
}

// Execute applies the operation to the cluster.
func (r *Runner) Execute(ctx context.Context, op contracts.Operation) (string, error) {
	args := r.buildArgs(op)
	r.logger.Info("executing operation", "operation", op.Describe())
	out, err := r.invoke(ctx, args)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Preview simulates the operation. Mutations run as server-side dry runs so
// admission webhooks and validation fire; read-only operations run as-is,
// their output being the preview.
func (r *Runner) Preview(ctx context.Context, op contracts.Operation) (contracts.DryRunPreview, error) {
	args := r.buildArgs(op)
	if !op.IsReadOnly() {
		args = append(args, "--dry-run=server", "-o", "yaml")
	}
	out, err := r.invoke(ctx, args)
	if err != nil {
		return contracts.DryRunPreview{}, fmt.Errorf("dry run: %w", err)
	}
	return contracts.DryRunPreview{
		Diff:        string(out),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Capture fetches the current state of the operation's target for rollback.
// The full manifest is kept; scale targets additionally surface the current
// replica count so the inverse operation can restore it.
func (r *Runner) Capture(ctx context.Context, op contracts.Operation) (map[string]any, error) {
	if op.Resource == "" || op.Name == "" {
		return nil, fmt.Errorf("snapshot: operation has no single named target")
	}
	args := []string{"get", op.Resource, op.Name, "-o", "json"}
	if op.Namespace != "" {
		args = append(args, "-n", op.Namespace)
	}
	if r.kubeContext != "" {
		args = append(args, "--context="+r.kubeContext)
	}
	out, err := r.invoke(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	var manifest map[string]any
	if err := json.Unmarshal(out, &manifest); err != nil {
		return nil, fmt.Errorf("snapshot: parse manifest: %w", err)
	}
	state := map[string]any{"manifest": manifest}
	if spec, ok := manifest["spec"].(map[string]any); ok {
		if replicas, ok := spec["replicas"].(float64); ok {
			state["replicas"] = fmt.Sprintf("%d", int(replicas))
		}
	}
	return state, nil
}
