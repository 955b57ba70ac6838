// Package safety gates outbound replies: the legal-advice filter, the
// hallucination validator and the disclaimer rule.
package safety

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jurisflow/intake/pkg/errorsx"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the tunable content of the safety layer.
type Policy struct {
	BannedPhrases      []string            `yaml:"banned_phrases"`
	CertaintyPatterns  []string            `yaml:"certainty_patterns"`
	FaultPatterns      []string            `yaml:"fault_patterns"`
	ProceduralPatterns []string            `yaml:"procedural_patterns"`
	Deflections        []string            `yaml:"deflections"`
	Disclaimer         string              `yaml:"disclaimer"`
	DisclaimerMarker   string              `yaml:"disclaimer_marker"`
	LegalTerms         []string            `yaml:"legal_terms"`
	FarewellWords      []string            `yaml:"farewell_words"`
	Hallucination      HallucinationPolicy `yaml:"hallucination"`
}

type HallucinationPolicy struct {
	Rules         []HallucinationRule `yaml:"rules"`
	Office        OfficePolicy        `yaml:"office"`
	FallbackReply string              `yaml:"fallback_reply"`
}

type HallucinationRule struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// OfficePolicy flags replies that talk about where the office is without naming
// the real location.
type OfficePolicy struct {
	MentionTerms  []string `yaml:"mention_terms"`
	LocationTerms []string `yaml:"location_terms"`
	RequiredAny   []string `yaml:"required_any"`
	Address       string   `yaml:"address"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() Policy {
	p, err := ParsePolicy(defaultPolicyYAML, Policy{})
	if err != nil {
		panic(fmt.Sprintf("safety: embedded policy: %v", err))
	}
	return p
}

// LoadPolicy layers the YAML file at path over the embedded default. Lists present
// in the file replace the default lists. An empty path returns the default.
func LoadPolicy(path string) (Policy, error) {
	base := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errorsx.Wrapf(err, errorsx.ReasonConfig, "read safety policy %s", path)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy decodes data over base and checks every pattern compiles.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, errorsx.Wrapf(err, errorsx.ReasonConfig, "parse safety policy")
	}
	if _, err := compilePolicy(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

type compiledRule struct {
	re      *regexp.Regexp
	message string
}

type compiledPolicy struct {
	policy     Policy
	banned     []string
	certainty  []*regexp.Regexp
	fault      []*regexp.Regexp
	procedural []*regexp.Regexp
	farewell   *regexp.Regexp
	legalTerms []string
	rules      []compiledRule
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{policy: p}
	for _, phrase := range p.BannedPhrases {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			cp.banned = append(cp.banned, phrase)
		}
	}
	var err error
	if cp.certainty, err = compileAll("certainty_patterns", p.CertaintyPatterns); err != nil {
		return nil, err
	}
	if cp.fault, err = compileAll("fault_patterns", p.FaultPatterns); err != nil {
		return nil, err
	}
	if cp.procedural, err = compileAll("procedural_patterns", p.ProceduralPatterns); err != nil {
		return nil, err
	}
	for i, r := range p.Hallucination.Rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonConfig, "hallucination.rules[%d]", i)
		}
		cp.rules = append(cp.rules, compiledRule{re: re, message: r.Message})
	}
	for _, term := range p.LegalTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			cp.legalTerms = append(cp.legalTerms, term)
		}
	}
	quoted := make([]string, 0, len(p.FarewellWords))
	for _, w := range p.FarewellWords {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(w)))
		}
	}
	// An empty alternation would match every string.
	if len(quoted) > 0 {
		cp.farewell = regexp.MustCompile(`(?i)(^|[^\p{L}])(` + strings.Join(quoted, "|") + `)([^\p{L}]|$)`)
	}
	if len(p.Deflections) == 0 {
		return nil, errorsx.New(errorsx.ReasonConfig, "safety policy needs at least one deflection")
	}
	return cp, nil
}

func compileAll(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonConfig, "%s[%d]", field, i)
		}
		out = append(out, re)
	}
	return out, nil
}
