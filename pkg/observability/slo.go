package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective for one pipeline operation
// (sanitize, classify, approve, execute, export).
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // target, 0-1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns budget faster than allowed
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // fraction remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors SLOs across pipeline operations.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with the default pipeline targets.
func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range defaultTargets() {
		t.SetTarget(target)
	}
	return t
}

func defaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-sanitize", Name: "Sanitization latency", Operation: "sanitize",
			LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-classify", Name: "Classification latency", Operation: "classify",
			LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-approve", Name: "Approval processing", Operation: "approve",
			LatencyP99: 200 * time.Millisecond, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-execute", Name: "Execution success", Operation: "execute",
			LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-export", Name: "Evidence export", Operation: "export",
			LatencyP99: 5 * time.Second, SuccessRate: 0.999, WindowHours: 24},
	}
}

// WithClock overrides the clock for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets or replaces the SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation, discarding points outside the window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)

	target, ok := t.targets[obs.Operation]
	if !ok || target.WindowHours <= 0 {
		return
	}
	cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	kept := t.observations[obs.Operation][:0]
	for _, o := range t.observations[obs.Operation] {
		if o.Timestamp.After(cutoff) {
			kept = append(kept, o)
		}
	}
	t.observations[obs.Operation] = kept
}

// Status computes compliance for one operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}
	obs := t.observations[operation]
	status := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		InCompliance:     true,
		ErrorBudgetLeft:  1.0,
		ObservationCount: len(obs),
	}
	if len(obs) == 0 {
		status.CurrentSuccess = 1.0
		return status, nil
	}

	latencies := make([]time.Duration, 0, len(obs))
	successes := 0
	for _, o := range obs {
		latencies = append(latencies, o.Latency)
		if o.Success {
			successes++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99Idx := (len(latencies) * 99) / 100
	if p99Idx >= len(latencies) {
		p99Idx = len(latencies) - 1
	}

	status.CurrentP99 = float64(latencies[p99Idx].Milliseconds())
	status.CurrentSuccess = float64(successes) / float64(len(obs))

	allowedFailure := 1.0 - target.SuccessRate
	actualFailure := 1.0 - status.CurrentSuccess
	if allowedFailure > 0 {
		status.BurnRate = actualFailure / allowedFailure
		status.ErrorBudgetLeft = 1.0 - status.BurnRate
		if status.ErrorBudgetLeft < 0 {
			status.ErrorBudgetLeft = 0
		}
	}
	status.InCompliance = status.CurrentSuccess >= target.SuccessRate &&
		latencies[p99Idx] <= target.LatencyP99
	return status, nil
}

// StatusAll returns the status of every registered target.
func (t *SLOTracker) StatusAll() []*SLOStatus {
	t.mu.Lock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Strings(ops)

	out := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		if s, err := t.Status(op); err == nil {
			out = append(out, s)
		}
	}
	return out
}
