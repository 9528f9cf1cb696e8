package sanitize

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

func TestParameterInjectionBlocks(t *testing.T) {
	s := newTestSanitizer(t)

	op := contracts.Operation{
		Verb:      contracts.VerbDelete,
		Resource:  "pods",
		Namespace: "shop",
		Flags:     map[string]string{"grace-period": "0; rm -rf /"},
	}
	cleaned, findings, err := s.Sanitize(context.Background(), candidate("delete pods in shop", op))
	require.ErrorIs(t, err, contracts.ErrInputRejected)
	assert.Nil(t, cleaned)

	var paramHit bool
	for _, f := range findings {
		if f.Technique == contracts.TechniqueParameterInjection && f.RuleID == "param-metachar" {
			paramHit = true
		}
	}
	assert.True(t, paramHit, "expected a parameter metacharacter finding")
}

func TestOperationShapeRejected(t *testing.T) {
	s := newTestSanitizer(t)

	op := contracts.Operation{Verb: contracts.VerbGet, Resource: "pods", Namespace: "Prod_NS"}
	_, findings, err := s.Sanitize(context.Background(), candidate("get pods", op))
	require.ErrorIs(t, err, contracts.ErrInputRejected)

	var schemaHit bool
	for _, f := range findings {
		if f.RuleID == "param-schema" {
			schemaHit = true
		}
	}
	assert.True(t, schemaHit, "expected an operation shape finding")
}

func TestSocialPressureAccumulates(t *testing.T) {
	s := newTestSanitizer(t)

	// Two pressure phrases cross the combined threshold but the request
	// still passes; the findings ride along for the classifier.
	raw := "The CEO said we need this urgently: restart the checkout deployment"
	op := contracts.Operation{Verb: contracts.VerbRollout, Resource: "deployments", Namespace: "shop", Name: "checkout"}

	cleaned, findings, err := s.Sanitize(context.Background(), candidate(raw, op))
	require.NoError(t, err)
	require.NotNil(t, cleaned)

	var combined *contracts.SanitizationFinding
	for i, f := range findings {
		if f.RuleID == "soc-combined" {
			combined = &findings[i]
		}
	}
	require.NotNil(t, combined, "expected a combined social pressure finding")
	assert.Equal(t, contracts.SeverityMedium, combined.Severity)
	assert.False(t, combined.Blocked)
	assert.GreaterOrEqual(t, combined.Confidence, DefaultRuleSet().SocialThreshold)
}

func TestSingleSocialPhraseStaysAdvisory(t *testing.T) {
	s := newTestSanitizer(t)

	cleaned, findings, err := s.Sanitize(context.Background(),
		candidate("please restart the checkout deployment asap", contracts.Operation{
			Verb: contracts.VerbRollout, Resource: "deployments", Namespace: "shop", Name: "checkout",
		}))
	require.NoError(t, err)
	require.NotNil(t, cleaned)
	for _, f := range findings {
		assert.NotEqual(t, "soc-combined", f.RuleID)
		assert.False(t, f.Blocked)
	}
}

func TestNormalizationReported(t *testing.T) {
	text, report := Normalize("get\u200b pods \u202eplease\u202c b\u0430ck")
	assert.True(t, report.Changed())
	assert.Equal(t, 1, report.ZeroWidthRemoved)
	assert.GreaterOrEqual(t, report.BidiRemoved, 1)
	assert.Equal(t, 1, report.HomoglyphsFolded)
	assert.NotContains(t, text, "\u200b")
	assert.Contains(t, text, "back")
}

func TestHomoglyphFoldingIsAdvisoryAlone(t *testing.T) {
	s := newTestSanitizer(t)

	// Confusable characters without any other signal: flagged, not blocked.
	cleaned, findings, err := s.Sanitize(context.Background(),
		candidate("get pоds -n default", getPods()))
	require.NoError(t, err)
	require.NotNil(t, cleaned)

	var obf bool
	for _, f := range findings {
		if f.RuleID == "obf-homoglyph" {
			obf = true
			assert.Equal(t, contracts.SeverityMedium, f.Severity)
		}
	}
	assert.True(t, obf, "expected a homoglyph finding")
	assert.Equal(t, "get pods -n default", cleaned.NormalizedText)
}

func TestMultiStageAttackDetected(t *testing.T) {
	store := NewMemorySignalStore(time.Hour)
	defer store.Close()
	s := NewSanitizer(DefaultRuleSet(), store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	session := func(raw string, op contracts.Operation) (*contracts.CleanedCommand, []contracts.SanitizationFinding, error) {
		cmd := candidate(raw, op)
		cmd.SessionID = "sess-attack"
		return s.Sanitize(ctx, cmd)
	}

	// Stage 1: permission discovery. Individually harmless.
	cleaned, _, err := session("auth can-i --list", contracts.Operation{Verb: contracts.VerbGet, Resource: "selfsubjectaccessreviews"})
	require.NoError(t, err)
	require.NotNil(t, cleaned)

	// Stage 2: secret enumeration. Still passes on its own.
	cleaned, _, err = session("get secrets -n payments", contracts.Operation{Verb: contracts.VerbGet, Resource: "secrets", Namespace: "payments"})
	require.NoError(t, err)
	require.NotNil(t, cleaned)

	// Stage 3: the destructive ask completes the shape and blocks.
	cleaned, findings, err := session("delete the payments secrets", contracts.Operation{Verb: contracts.VerbDelete, Resource: "secrets", Namespace: "payments"})
	require.ErrorIs(t, err, contracts.ErrInputRejected)
	assert.Nil(t, cleaned)

	var shape *contracts.SanitizationFinding
	for i, f := range findings {
		if f.Technique == contracts.TechniqueMultiStage {
			shape = &findings[i]
		}
	}
	require.NotNil(t, shape, "expected a multi-stage finding")
	assert.Equal(t, "ms-permission-to-secrets", shape.RuleID)
	assert.True(t, shape.Blocked)
}

func TestMultiStageIsolatedPerSession(t *testing.T) {
	store := NewMemorySignalStore(time.Hour)
	defer store.Close()
	s := NewSanitizer(DefaultRuleSet(), store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	send := func(sessionID, raw string, op contracts.Operation) error {
		cmd := candidate(raw, op)
		cmd.SessionID = sessionID
		_, _, err := s.Sanitize(ctx, cmd)
		return err
	}

	require.NoError(t, send("sess-a", "auth can-i --list", contracts.Operation{Verb: contracts.VerbGet, Resource: "selfsubjectaccessreviews"}))
	require.NoError(t, send("sess-a", "get secrets -n payments", contracts.Operation{Verb: contracts.VerbGet, Resource: "secrets", Namespace: "payments"}))

	// Same final request from a fresh session: no accumulated signal, no block.
	err := send("sess-b", "delete the payments secrets", contracts.Operation{Verb: contracts.VerbDelete, Resource: "secrets", Namespace: "payments"})
	require.NoError(t, err)
}

func TestMultiStageRequiresOrder(t *testing.T) {
	store := NewMemorySignalStore(time.Hour)
	defer store.Close()
	s := NewSanitizer(DefaultRuleSet(), store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	send := func(raw string, op contracts.Operation) error {
		cmd := candidate(raw, op)
		cmd.SessionID = "sess-order"
		_, _, err := s.Sanitize(ctx, cmd)
		return err
	}

	// Later stages before the first stage never advance the shape.
	require.NoError(t, send("get secrets -n payments", contracts.Operation{Verb: contracts.VerbGet, Resource: "secrets", Namespace: "payments"}))
	require.NoError(t, send("get secrets -n billing", contracts.Operation{Verb: contracts.VerbGet, Resource: "secrets", Namespace: "billing"}))

	progress, err := store.Progress(ctx, "sess-order", "ms-permission-to-secrets")
	require.NoError(t, err)
	assert.Equal(t, 0, progress)
}

func TestFindingsCarryCommandIdentity(t *testing.T) {
	s := newTestSanitizer(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return fixed })

	_, findings, err := s.Sanitize(context.Background(), candidate("get pods; id", getPods()))
	require.ErrorIs(t, err, contracts.ErrInputRejected)
	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.Equal(t, "cmd-test", f.CommandID)
		assert.NotEmpty(t, f.ID)
		assert.Equal(t, fixed, f.DetectedAt)
	}
}

func TestMemorySignalStoreEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemorySignalStore(10 * time.Minute).WithClock(func() time.Time { return now })
	defer store.Close()
	ctx := context.Background()

	_, err := store.Advance(ctx, "sess", "shape", 0)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	store.evictExpired()

	progress, err := store.Progress(ctx, "sess", "shape")
	require.NoError(t, err)
	assert.Equal(t, 0, progress)
}
