package safety

import (
	"log/slog"
	"strings"

	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
)

// ValidationResult lists every known-wrong fact found in a reply.
type ValidationResult struct {
	Valid  bool
	Errors []string
	Reply  string
}

// Validator blocks replies that state facts the office knows to be false.
type Validator struct {
	rules    []compiledRule
	office   OfficePolicy
	fallback string
	logger   *slog.Logger
	obs      metrics.Observer
}

func NewValidator(policy *Policy, logger *slog.Logger, obs metrics.Observer) (*Validator, error) {
	p := DefaultPolicy()
	if policy != nil {
		p = *policy
	}
	cp, err := compilePolicy(p)
	if err != nil {
		return nil, err
	}
	h := p.Hallucination
	return &Validator{
		rules:    cp.rules,
		office:   h.Office,
		fallback: strings.ReplaceAll(h.FallbackReply, "{address}", h.Office.Address),
		logger:   logging.NewComponentLogger(logger, "response_validator"),
		obs:      obs,
	}, nil
}

func (v *Validator) Validate(reply string) ValidationResult {
	var errs []string
	for _, r := range v.rules {
		if r.re.MatchString(reply) {
			errs = append(errs, r.message)
		}
	}
	if v.mentionsWrongLocation(reply) {
		errs = append(errs, "mentioned the office location without the correct city")
	}
	if len(errs) == 0 {
		return ValidationResult{Valid: true, Reply: reply}
	}
	v.logger.Warn("hallucination_blocked", "errors", strings.Join(errs, "; "))
	metrics.Record(v.obs, metrics.EventHallucinationBlocked, float64(len(errs)), map[string]string{"component": "response_validator"})
	return ValidationResult{Valid: false, Errors: errs, Reply: v.fallback}
}

func (v *Validator) mentionsWrongLocation(reply string) bool {
	o := v.office
	if len(o.MentionTerms) == 0 || len(o.LocationTerms) == 0 || len(o.RequiredAny) == 0 {
		return false
	}
	lower := strings.ToLower(reply)
	if !containsAny(lower, o.MentionTerms) || !containsAny(lower, o.LocationTerms) {
		return false
	}
	return !containsAny(lower, o.RequiredAny)
}

func containsAny(lower string, terms []string) bool {
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
