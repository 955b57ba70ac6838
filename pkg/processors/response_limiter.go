package processors

import (
	"strings"
	"unicode/utf8"
)

type ResponseLimiterConfig struct {
	MaxChars     int `mapstructure:"max_chars"`
	MaxSentences int `mapstructure:"max_sentences"`
}

// ResponseLimiter keeps generated replies short enough for a chat bubble.
type ResponseLimiter struct {
	cfg ResponseLimiterConfig
}

func NewResponseLimiter(cfg ResponseLimiterConfig) *ResponseLimiter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 1200
	}
	if cfg.MaxSentences < 0 {
		cfg.MaxSentences = 0
	}
	return &ResponseLimiter{cfg: cfg}
}

func (r *ResponseLimiter) Name() string { return "response_limiter" }

// Limit returns the shortened text and whether anything was cut.
func (r *ResponseLimiter) Limit(text string) (string, bool) {
	if r == nil {
		return text, false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text, false
	}
	out := truncateSentences(trimmed, r.cfg.MaxSentences)
	if utf8.RuneCountInString(out) > r.cfg.MaxChars {
		out = truncateRunes(out, r.cfg.MaxChars)
	}
	return out, out != trimmed
}

func truncateSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	var out strings.Builder
	count := 0
	for _, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= maxSentences {
				break
			}
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}

// truncateRunes cuts at max runes, backing off to the last sentence or line break
// in the second half of the text when there is one.
func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndexAny(cut, ".!?\n"); i >= len(cut)/2 {
		cut = cut[:i+1]
	}
	return strings.TrimSpace(cut)
}
