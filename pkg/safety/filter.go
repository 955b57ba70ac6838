package safety

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
)

// Category names the check that rejected a reply.
type Category string

const (
	CategoryBannedPhrase        Category = "banned_phrase"
	CategoryAbsoluteCertainty   Category = "absolute_certainty"
	CategoryFaultAdmission      Category = "fault_admission"
	CategoryProceduralDirective Category = "procedural_directive"
	CategoryInternalError       Category = "internal_error"
)

// RiskTier orders rejections by severity.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

func (t RiskTier) rank() int {
	switch t {
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

var categoryTier = map[Category]RiskTier{
	CategoryBannedPhrase:        TierHigh,
	CategoryAbsoluteCertainty:   TierMedium,
	CategoryFaultAdmission:      TierCritical,
	CategoryProceduralDirective: TierCritical,
	CategoryInternalError:       TierHigh,
}

var categoryReason = map[Category]string{
	CategoryBannedPhrase:        "contains legally dangerous words or phrases",
	CategoryAbsoluteCertainty:   "contains absolute legal statements",
	CategoryFaultAdmission:      "acknowledges third-party fault",
	CategoryProceduralDirective: "directs specific legal procedures",
	CategoryInternalError:       "safety check failed",
}

// SecurityLogEntry is the audit record written for every rejected reply.
type SecurityLogEntry struct {
	ID            int64
	OriginalReply string
	FilteredReply string
	Category      Category
	Reason        string
	Tier          RiskTier
	MatchedTerms  []string
	LeadID        int64
	Identifier    string
	CreatedAt     time.Time
}

// LogSink persists audit entries.
type LogSink interface {
	AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error
}

// Linkage ties a verdict to the lead it was produced for. Zero values mean unknown.
type Linkage struct {
	LeadID     int64
	Identifier string
}

// Check is the outcome of scanning one text.
type Check struct {
	Safe     bool
	Category Category
	Tier     RiskTier
	Matches  []string
}

type Verdict struct {
	Accepted  bool
	FinalText string
	LogEntry  *SecurityLogEntry
}

type FilterOptions struct {
	Policy   *Policy
	Sink     LogSink
	Logger   *slog.Logger
	Observer metrics.Observer
	// Pick chooses a deflection index in [0,n). Defaults to math/rand.
	Pick func(n int) int
	Now  func() time.Time
}

// Filter rejects replies that read as legal advice.
type Filter struct {
	cp     *compiledPolicy
	sink   LogSink
	logger *slog.Logger
	obs    metrics.Observer
	pick   func(n int) int
	now    func() time.Time
}

func NewFilter(opts FilterOptions) (*Filter, error) {
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	cp, err := compilePolicy(policy)
	if err != nil {
		return nil, err
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Filter{
		cp:     cp,
		sink:   opts.Sink,
		logger: logging.NewComponentLogger(opts.Logger, "safety"),
		obs:    opts.Observer,
		pick:   opts.Pick,
		now:    opts.Now,
	}, nil
}

// Check runs all four scans. The category is the first class that matched, in
// scan order; the tier is the most severe across every class that matched.
func (f *Filter) Check(text string) Check {
	lower := strings.ToLower(text)
	out := Check{Safe: true, Tier: TierLow}
	hit := func(c Category, matches []string) {
		if len(matches) == 0 {
			return
		}
		if out.Safe {
			out.Safe = false
			out.Category = c
		}
		if t := categoryTier[c]; t.rank() > out.Tier.rank() {
			out.Tier = t
		}
		out.Matches = append(out.Matches, matches...)
	}

	var banned []string
	for _, phrase := range f.cp.banned {
		if strings.Contains(lower, phrase) {
			banned = append(banned, phrase)
		}
	}
	hit(CategoryBannedPhrase, banned)
	hit(CategoryAbsoluteCertainty, matchAll(f.cp.certainty, text))
	hit(CategoryFaultAdmission, matchAll(f.cp.fault, text))
	hit(CategoryProceduralDirective, matchAll(f.cp.procedural, text))
	return out
}

// EvaluateOutboundSafety never panics. A safe text is returned unchanged; anything
// else is replaced by a deflection plus the disclaimer and audited.
func (f *Filter) EvaluateOutboundSafety(ctx context.Context, text string, link Linkage) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("safety_check_panicked", "reason_code", errorsx.ReasonSafetyInternal, "panic", fmt.Sprint(r))
			v = f.reject(ctx, text, Check{Category: CategoryInternalError, Tier: categoryTier[CategoryInternalError]}, link)
		}
	}()
	check := f.Check(text)
	if check.Safe {
		return Verdict{Accepted: true, FinalText: text}
	}
	return f.reject(ctx, text, check, link)
}

func (f *Filter) reject(ctx context.Context, original string, check Check, link Linkage) Verdict {
	replacement := f.deflection() + f.cp.policy.Disclaimer
	entry := SecurityLogEntry{
		OriginalReply: original,
		FilteredReply: replacement,
		Category:      check.Category,
		Reason:        categoryReason[check.Category],
		Tier:          check.Tier,
		MatchedTerms:  check.Matches,
		LeadID:        link.LeadID,
		Identifier:    link.Identifier,
		CreatedAt:     f.now().UTC(),
	}
	f.logger.Warn("safety_rejected",
		"category", string(entry.Category),
		"tier", string(entry.Tier),
		"matches", strings.Join(entry.MatchedTerms, ", "),
		"lead_id", link.LeadID,
	)
	metrics.Record(f.obs, metrics.EventSafetyRejected, 1, map[string]string{
		"component": "safety",
		"category":  string(entry.Category),
		"tier":      string(entry.Tier),
	})
	if f.sink != nil {
		if err := f.sink.AppendSecurityLog(ctx, entry); err != nil {
			f.logger.Error("security_log_write_failed", "reason_code", errorsx.Reason(err), "error", err)
		}
	}
	return Verdict{Accepted: false, FinalText: replacement, LogEntry: &entry}
}

func (f *Filter) deflection() string {
	pool := f.cp.policy.Deflections
	i := f.pick(len(pool))
	if i < 0 || i >= len(pool) {
		i = 0
	}
	return pool[i]
}

// ApplyDisclaimer appends the disclaimer on the first turn or a farewell, when the
// reply touches a legal term and does not already carry the marker.
func (f *Filter) ApplyDisclaimer(reply, inbound string, firstTurn bool) (string, bool) {
	if !firstTurn && !f.IsFarewell(inbound) {
		return reply, false
	}
	if marker := f.cp.policy.DisclaimerMarker; marker != "" && strings.Contains(reply, marker) {
		return reply, false
	}
	lower := strings.ToLower(reply)
	for _, term := range f.cp.legalTerms {
		if strings.Contains(lower, term) {
			metrics.Record(f.obs, metrics.EventDisclaimerAppended, 1, map[string]string{"component": "safety"})
			return reply + f.cp.policy.Disclaimer, true
		}
	}
	return reply, false
}

// IsFarewell reports whether text contains a closing word.
func (f *Filter) IsFarewell(text string) bool {
	return f.cp.farewell != nil && f.cp.farewell.MatchString(text)
}

// Marker is the string that identifies an appended disclaimer.
func (f *Filter) Marker() string { return f.cp.policy.DisclaimerMarker }

func matchAll(res []*regexp.Regexp, text string) []string {
	var out []string
	for _, re := range res {
		if m := re.FindString(text); m != "" {
			out = append(out, m)
		}
	}
	return out
}
