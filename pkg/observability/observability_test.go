package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	// None of these should panic without initialized instruments.
	ctx := context.Background()
	p.RecordRequest(ctx)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, time.Millisecond)
	p.RecordBlockedCommand(ctx, "command_injection")
	p.RecordClassification(ctx, "DANGEROUS")
	p.RecordExecution(ctx, true, 1)

	ctx2, done := p.TrackOperation(ctx, "execute")
	assert.NotNil(t, ctx2)
	done(nil)
	done2ctx, done2 := p.TrackOperation(ctx, "execute")
	assert.NotNil(t, done2ctx)
	done2(errors.New("failed"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "kubegate", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestSLOTrackerCompliance(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return base })

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{
			Operation: "classify",
			Latency:   10 * time.Millisecond,
			Success:   true,
			Timestamp: base,
		})
	}

	status, err := tracker.Status("classify")
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 100, status.ObservationCount)
}

func TestSLOTrackerBurnRate(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return base })

	// execute target allows 1% failure; feed 10%.
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{
			Operation: "execute",
			Latency:   time.Second,
			Success:   i%10 != 0,
			Timestamp: base,
		})
	}

	status, err := tracker.Status("execute")
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Greater(t, status.BurnRate, 1.0)
	assert.Equal(t, 0.0, status.ErrorBudgetLeft)
}

func TestSLOTrackerLatencyViolation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return base })

	// All succeed, but p99 blows the 100ms classify target.
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{
			Operation: "classify",
			Latency:   500 * time.Millisecond,
			Success:   true,
			Timestamp: base,
		})
	}
	status, err := tracker.Status("classify")
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
}

func TestSLOTrackerWindowEviction(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })

	// An observation from two days ago falls outside the 24h window and is
	// evicted on the next record.
	tracker.Record(SLOObservation{
		Operation: "approve",
		Latency:   time.Millisecond,
		Success:   false,
		Timestamp: now.Add(-48 * time.Hour),
	})
	tracker.Record(SLOObservation{
		Operation: "approve",
		Latency:   time.Millisecond,
		Success:   true,
		Timestamp: now,
	})

	status, err := tracker.Status("approve")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.Equal(t, 1.0, status.CurrentSuccess)
}

func TestSLOStatusUnknownOperation(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("compile")
	assert.Error(t, err)
}

func TestStatusAllCoversDefaults(t *testing.T) {
	tracker := NewSLOTracker()
	all := tracker.StatusAll()
	assert.Len(t, all, 5)
}
