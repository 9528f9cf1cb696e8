package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

const testRulePack = `
version: "2.1.0"
min_engine_version: "1.0.0"
social_threshold: 0.4
rules:
  - id: inj-curl
    technique: command_injection
    severity: critical
    pattern: '(?i)\bcurl\b'
    reason: network fetch inside command text
  - id: auth-pretend
    technique: authority_override
    severity: high
    pattern: '(?i)pretend\s+you\s+are'
    reason: persona override attempt
  - id: soc-favor
    technique: social_engineering
    severity: low
    pattern: '(?i)do\s+me\s+a\s+favor'
    reason: favor framing
multi_stage:
  - id: ms-test
    reason: test shape
    stages:
      - name: first
        pattern: 'alpha'
      - name: second
        pattern: 'beta'
`

func TestLoadRuleSet(t *testing.T) {
	rs, err := LoadRuleSet([]byte(testRulePack))
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", rs.Version)
	assert.Equal(t, 0.4, rs.SocialThreshold)
	require.Len(t, rs.Injection, 1)
	assert.Equal(t, contracts.SeverityCritical, rs.Injection[0].Severity)
	require.Len(t, rs.Authority, 1)
	require.Len(t, rs.Social, 1)
	require.Len(t, rs.MultiStage, 1)
	assert.Len(t, rs.MultiStage[0].Stages, 2)
	assert.True(t, rs.MultiStage[0].Stages[0].Matches("alpha run"))
	assert.False(t, rs.MultiStage[0].Stages[0].Matches("beta run"))
}

func TestLoadRuleSetRejectsBadVersion(t *testing.T) {
	_, err := LoadRuleSet([]byte(`version: "not-semver"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not semver")
}

func TestLoadRuleSetRejectsNewerEngine(t *testing.T) {
	_, err := LoadRuleSet([]byte("version: \"1.0.0\"\nmin_engine_version: \"99.0.0\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires engine")
}

func TestLoadRuleSetRejectsBadPattern(t *testing.T) {
	pack := `
version: "1.0.0"
rules:
  - id: broken
    technique: command_injection
    severity: high
    pattern: '(['
    reason: broken
`
	_, err := LoadRuleSet([]byte(pack))
	require.Error(t, err)
}

func TestDefaultRuleSetCompiles(t *testing.T) {
	rs := DefaultRuleSet()
	assert.NotEmpty(t, rs.Injection)
	assert.NotEmpty(t, rs.Authority)
	assert.NotEmpty(t, rs.Social)
	assert.NotEmpty(t, rs.MultiStage)
	for _, shape := range rs.MultiStage {
		assert.GreaterOrEqual(t, len(shape.Stages), 2, "shape %s needs at least two stages", shape.ID)
	}
}
