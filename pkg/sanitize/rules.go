// Package sanitize neutralizes injection and social-engineering content in
// candidate commands before any trust decision is made. Detection is driven
// by an immutable, versioned RuleSet injected at construction, so rule
// updates are hot-swappable and tests are reproducible.
//
// The sanitizer itself is a pure function of its inputs plus the rule set;
// the one stateful piece, the session-scoped multi-stage tracker, lives
// behind the SignalStore interface.
package sanitize

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// EngineVersion is the sanitizer engine version rule packs are gated against.
const EngineVersion = "1.4.0"

// PatternRule is a single compiled detection rule.
type PatternRule struct {
	ID        string
	Technique contracts.Technique
	Severity  contracts.Severity
	Reason    string
	re        *regexp.Regexp
}

// RuleSet is the immutable compiled rule state shared by all detectors.
// Build one with DefaultRuleSet or LoadRuleSet and treat it as read-only.
type RuleSet struct {
	Version   string
	Injection []PatternRule // command/parameter injection patterns
	Authority []PatternRule // authority override, role impersonation, privilege escalation
	Social    []PatternRule // pressure-framing phrases, each with a weight encoded in Severity
	// SocialThreshold is the effectiveness score at or above which the
	// social-engineering detector emits a medium finding instead of low.
	SocialThreshold float64
	// MultiStage defines the staged attack shapes the session tracker matches.
	MultiStage []StageShape
}

// StageShape is one recognizable multi-stage attack progression. Stages must
// be observed in order within a session before the finding fires.
type StageShape struct {
	ID     string
	Reason string
	Stages []StagePattern
}

// StagePattern matches one stage of a shape against a request.
type StagePattern struct {
	Name string
	re   *regexp.Regexp
}

// Matches reports whether the request text or operation matches the stage.
func (p StagePattern) Matches(text string) bool { return p.re.MatchString(text) }

// rulePackDoc is the YAML wire format for external rule packs.
type rulePackDoc struct {
	Version          string  `yaml:"version"`
	MinEngineVersion string  `yaml:"min_engine_version"`
	SocialThreshold  float64 `yaml:"social_threshold"`
	Rules            []struct {
		ID        string `yaml:"id"`
		Technique string `yaml:"technique"`
		Severity  string `yaml:"severity"`
		Pattern   string `yaml:"pattern"`
		Reason    string `yaml:"reason"`
	} `yaml:"rules"`
	MultiStage []struct {
		ID     string `yaml:"id"`
		Reason string `yaml:"reason"`
		Stages []struct {
			Name    string `yaml:"name"`
			Pattern string `yaml:"pattern"`
		} `yaml:"stages"`
	} `yaml:"multi_stage"`
}

// LoadRuleSet parses and compiles a YAML rule pack. The pack's version must
// be valid semver and its min_engine_version must not exceed EngineVersion.
func LoadRuleSet(data []byte) (*RuleSet, error) {
	var doc rulePackDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sanitize: rule pack parse failed: %w", err)
	}

	if _, err := semver.NewVersion(doc.Version); err != nil {
		return nil, fmt.Errorf("sanitize: rule pack version %q is not semver: %w", doc.Version, err)
	}
	if doc.MinEngineVersion != "" {
		min, err := semver.NewVersion(doc.MinEngineVersion)
		if err != nil {
			return nil, fmt.Errorf("sanitize: min_engine_version %q is not semver: %w", doc.MinEngineVersion, err)
		}
		engine := semver.MustParse(EngineVersion)
		if min.GreaterThan(engine) {
			return nil, fmt.Errorf("sanitize: rule pack requires engine >= %s, running %s", min, engine)
		}
	}

	rs := &RuleSet{Version: doc.Version, SocialThreshold: doc.SocialThreshold}
	if rs.SocialThreshold == 0 {
		rs.SocialThreshold = defaultSocialThreshold
	}

	for _, r := range doc.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: rule %s pattern: %w", r.ID, err)
		}
		rule := PatternRule{
			ID:        r.ID,
			Technique: contracts.Technique(r.Technique),
			Severity:  contracts.Severity(r.Severity),
			Reason:    r.Reason,
			re:        re,
		}
		switch rule.Technique {
		case contracts.TechniqueCommandInjection, contracts.TechniqueParameterInjection:
			rs.Injection = append(rs.Injection, rule)
		case contracts.TechniqueSocialEngineering:
			rs.Social = append(rs.Social, rule)
		default:
			rs.Authority = append(rs.Authority, rule)
		}
	}

	for _, s := range doc.MultiStage {
		shape := StageShape{ID: s.ID, Reason: s.Reason}
		for _, st := range s.Stages {
			re, err := regexp.Compile(st.Pattern)
			if err != nil {
				return nil, fmt.Errorf("sanitize: multi-stage %s stage %s: %w", s.ID, st.Name, err)
			}
			shape.Stages = append(shape.Stages, StagePattern{Name: st.Name, re: re})
		}
		rs.MultiStage = append(rs.MultiStage, shape)
	}

	return rs, nil
}

const defaultSocialThreshold = 0.5

func mustRule(id string, tech contracts.Technique, sev contracts.Severity, pattern, reason string) PatternRule {
	return PatternRule{
		ID:        id,
		Technique: tech,
		Severity:  sev,
		Reason:    reason,
		re:        regexp.MustCompile(pattern),
	}
}

// DefaultRuleSet returns the built-in pattern corpus. The corpus carries the
// zero-false-negative requirement for critical injection patterns: every
// pattern here has a corresponding recall test.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Version:         "1.0.0",
		SocialThreshold: defaultSocialThreshold,
		Injection: []PatternRule{
			mustRule("inj-chain-semicolon", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`;\s*\S`, "command chaining via semicolon"),
			mustRule("inj-chain-and", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`&&`, "command chaining via &&"),
			mustRule("inj-chain-or", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`\|\|`, "command chaining via ||"),
			mustRule("inj-pipe", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`\|`, "pipeline operator in command text"),
			mustRule("inj-background", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`&\s*$|&\s+\S`, "background execution operator"),
			mustRule("inj-subst-dollar", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`\$\(`, "command substitution $( )"),
			mustRule("inj-subst-backtick", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				"`", "command substitution via backticks"),
			mustRule("inj-redirect", contracts.TechniqueCommandInjection, contracts.SeverityHigh,
				`[^-\w](>>?|<)\s*/?\w`, "shell redirection operator"),
			mustRule("inj-newline-smuggle", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`[\r\n]+\s*\S`, "embedded newline introducing second command"),
			mustRule("inj-shell-exec", contracts.TechniqueCommandInjection, contracts.SeverityCritical,
				`(?i)\b(sh|bash|zsh|dash)\s+-c\b`, "indirect shell execution"),
		},
		Authority: []PatternRule{
			mustRule("auth-ignore-instructions", contracts.TechniqueAuthorityOverride, contracts.SeverityHigh,
				`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`, "instruction override attempt"),
			mustRule("auth-forget", contracts.TechniqueAuthorityOverride, contracts.SeverityHigh,
				`(?i)(forget|disregard)\s+(everything|all|your)\s*(instructions|rules|training)?`, "instruction reset attempt"),
			mustRule("auth-new-instructions", contracts.TechniqueAuthorityOverride, contracts.SeverityHigh,
				`(?i)new\s+instructions\s*:`, "instruction replacement attempt"),
			mustRule("auth-system-prompt", contracts.TechniqueAuthorityOverride, contracts.SeverityHigh,
				`(?i)^(system|assistant)\s*:`, "role prompt injection"),
			mustRule("auth-bypass", contracts.TechniqueAuthorityOverride, contracts.SeverityHigh,
				`(?i)\b(bypass|override|disable)\b.{0,30}\b(safety|security|approval|checks?|restrictions?|guard)`, "safety bypass demand"),
			mustRule("auth-emergency", contracts.TechniqueAuthorityOverride, contracts.SeverityMedium,
				`(?i)\b(emergency|incident)\b.{0,40}\b(skip|bypass|no time for)\b`, "emergency bypass claim"),
			mustRule("role-claim-admin", contracts.TechniqueRoleImpersonation, contracts.SeverityHigh,
				`(?i)\b(i\s+am|i'm|this\s+is)\s+(the\s+|an?\s+)?(cluster[- ])?(admin(istrator)?|root|sre\s+lead|platform\s+owner|security\s+officer)\b`, "administrative role claim"),
			mustRule("role-claim-authorized", contracts.TechniqueRoleImpersonation, contracts.SeverityMedium,
				`(?i)\b(i\s+(am|have been)\s+(fully\s+)?authorized|my\s+manager\s+approved)\b`, "authorization claim without credential"),
			mustRule("privesc-sa", contracts.TechniquePrivilegeEscalation, contracts.SeverityHigh,
				`(?i)\b(--as[= ]|impersonate|switch\s+(to\s+)?service\s*account|sudo)\b`, "identity impersonation request"),
			mustRule("privesc-rbac", contracts.TechniquePrivilegeEscalation, contracts.SeverityHigh,
				`(?i)\b(elevate|escalate|grant)\b.{0,30}\b(privileges?|permissions?|cluster-?admin|rbac)\b`, "privilege elevation request"),
			mustRule("privesc-bypass-rbac", contracts.TechniquePrivilegeEscalation, contracts.SeverityHigh,
				`(?i)\b(bypass|skip|around)\b.{0,20}\brbac\b`, "RBAC bypass request"),
		},
		Social: []PatternRule{
			mustRule("soc-urgency", contracts.TechniqueSocialEngineering, contracts.SeverityLow,
				`(?i)\b(urgent(ly)?|immediately|right\s+now|asap|before\s+it'?s\s+too\s+late)\b`, "urgency pressure"),
			mustRule("soc-authority", contracts.TechniqueSocialEngineering, contracts.SeverityLow,
				`(?i)\b(the\s+(ceo|cto|vp|director|boss)\s+(said|wants|needs|demands))\b`, "authority pressure"),
			mustRule("soc-compliance", contracts.TechniqueSocialEngineering, contracts.SeverityLow,
				`(?i)\b(just\s+do\s+it|don'?t\s+ask|no\s+questions|you\s+must\s+comply|or\s+else)\b`, "compliance pressure"),
			mustRule("soc-consequence", contracts.TechniqueSocialEngineering, contracts.SeverityLow,
				`(?i)\b(we'?ll\s+lose|getting\s+fired|huge\s+outage|costing\s+us)\b`, "consequence framing"),
		},
		MultiStage: []StageShape{
			{
				ID:     "ms-permission-to-secrets",
				Reason: "permission discovery followed by secret enumeration and a destructive or exfiltrating request",
				Stages: []StagePattern{
					{Name: "permission_discovery", re: regexp.MustCompile(`(?i)\b(can-i|auth\s+can-i|what\s+(can|am)\s+i|list\s+(my\s+)?permissions|rolebindings?)\b`)},
					{Name: "secret_enumeration", re: regexp.MustCompile(`(?i)\b(secrets?|serviceaccounts?|tokens?|credentials?)\b`)},
					{Name: "destructive_ask", re: regexp.MustCompile(`(?i)\b(delete|export|exfiltrate|copy\s+out|send\s+to|decode)\b`)},
				},
			},
			{
				ID:     "ms-recon-to-teardown",
				Reason: "cluster-wide reconnaissance followed by a bulk destructive request",
				Stages: []StagePattern{
					{Name: "recon", re: regexp.MustCompile(`(?i)(\ball\s+namespaces\b|--all-namespaces|\s-A\b|\bcluster-info\b|\bget\s+nodes\b)`)},
					{Name: "teardown", re: regexp.MustCompile(`(?i)\b(delete|drain|scale\b.*--replicas[= ]0)\b.{0,40}(--all\b|\bnamespaces?\b|\bnodes?\b)`)},
				},
			},
		},
	}
}
