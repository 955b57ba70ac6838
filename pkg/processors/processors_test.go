package processors

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestResponseLimiterSentences(t *testing.T) {
	l := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 2})
	out, cut := l.Limit("Olá! Tudo bem? Me conta qual banco fez o empréstimo.")
	if !cut || out != "Olá! Tudo bem?" {
		t.Fatalf("unexpected limit result %q cut=%v", out, cut)
	}
	out, cut = l.Limit("Short reply.")
	if cut || out != "Short reply." {
		t.Fatalf("expected untouched reply, got %q", out)
	}
}

func TestResponseLimiterCharsAreRuneSafe(t *testing.T) {
	l := NewResponseLimiter(ResponseLimiterConfig{MaxChars: 30})
	text := strings.Repeat("ação ", 20)
	out, cut := l.Limit(text)
	if !cut {
		t.Fatalf("expected truncation")
	}
	if !utf8.ValidString(out) || utf8.RuneCountInString(out) > 30 {
		t.Fatalf("bad truncation %q", out)
	}
}

func TestResponseLimiterPrefersSentenceBoundary(t *testing.T) {
	l := NewResponseLimiter(ResponseLimiterConfig{MaxChars: 40})
	out, _ := l.Limit("The attorney will review your case. Please send the contract copy when you can.")
	if out != "The attorney will review your case." {
		t.Fatalf("expected cut at sentence end, got %q", out)
	}
}

func TestTextNormalizer(t *testing.T) {
	n := NewTextNormalizer(TextNormalizerConfig{Replacements: map[string]string{
		"consig nado": "consignado",
		"r m c":       "RMC",
	}})
	out, changed := n.Normalize("Tenho um Consig Nado e um cartão R M C")
	if !changed || out != "Tenho um consignado e um cartão RMC" {
		t.Fatalf("unexpected normalization %q", out)
	}
	if _, changed := NewTextNormalizer(TextNormalizerConfig{}).Normalize("nada"); changed {
		t.Fatalf("expected no-op without replacements")
	}
}
