package processors

import (
	"regexp"
	"sort"
)

type TextNormalizerConfig struct {
	Replacements map[string]string `mapstructure:"replacements"`
}

// TextNormalizer rewrites domain terms that transcription tends to mangle
// ("consig nado" -> "consignado").
type TextNormalizer struct {
	rules []replacement
}

type replacement struct {
	re *regexp.Regexp
	to string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	keys := make([]string, 0, len(cfg.Replacements))
	for from := range cfg.Replacements {
		if from != "" {
			keys = append(keys, from)
		}
	}
	// Longest first so overlapping phrases resolve predictably.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	rules := make([]replacement, 0, len(keys))
	for _, from := range keys {
		rules = append(rules, replacement{
			re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(from)),
			to: cfg.Replacements[from],
		})
	}
	return &TextNormalizer{rules: rules}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

// Normalize applies every replacement case-insensitively.
func (t *TextNormalizer) Normalize(text string) (string, bool) {
	if t == nil || len(t.rules) == 0 {
		return text, false
	}
	out := text
	for _, r := range t.rules {
		out = r.re.ReplaceAllLiteralString(out, r.to)
	}
	return out, out != text
}
