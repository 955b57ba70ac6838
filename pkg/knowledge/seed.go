package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jurisflow/intake/pkg/errorsx"
)

// Restriction maps trigger words to a fixed reply and a handoff.
type Restriction struct {
	Topic    string   `yaml:"topic"`
	Triggers []string `yaml:"triggers"`
	Reply    string   `yaml:"reply"`
	Active   *bool    `yaml:"active"`
}

func (r Restriction) IsActive() bool { return r.Active == nil || *r.Active }

// Seed is the YAML knowledge file.
type Seed struct {
	Snippets     []Snippet     `yaml:"snippets"`
	Restrictions []Restriction `yaml:"restrictions"`
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, errorsx.Wrapf(err, errorsx.ReasonConfig, "read knowledge seed %s", path)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	var raw struct {
		Snippets []struct {
			Snippet `yaml:",inline"`
			Active  *bool `yaml:"active"`
		} `yaml:"snippets"`
		Restrictions []Restriction `yaml:"restrictions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Seed{}, errorsx.Wrapf(err, errorsx.ReasonConfig, "parse knowledge seed")
	}
	seed := Seed{Restrictions: raw.Restrictions}
	for i, s := range raw.Snippets {
		sn := s.Snippet
		if strings.TrimSpace(sn.Topic) == "" || strings.TrimSpace(sn.Content) == "" {
			return Seed{}, errorsx.New(errorsx.ReasonConfig, fmt.Sprintf("knowledge seed: snippet %d needs topic and content", i))
		}
		sn.Active = s.Active == nil || *s.Active
		seed.Snippets = append(seed.Snippets, sn)
	}
	return seed, nil
}

// Upserter stores snippets by topic.
type Upserter interface {
	UpsertKnowledge(ctx context.Context, s Snippet) (int64, error)
}

// Apply writes every snippet and returns how many were stored.
func (s Seed) Apply(ctx context.Context, dst Upserter) (int, error) {
	n := 0
	for _, sn := range s.Snippets {
		if _, err := dst.UpsertKnowledge(ctx, sn); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Restrictions matches inbound text against restricted topics.
type Restrictions struct {
	list []Restriction
}

func NewRestrictions(list []Restriction) *Restrictions {
	return &Restrictions{list: list}
}

// Match returns the first active restriction whose trigger appears in text.
func (r *Restrictions) Match(text string) (Restriction, bool) {
	if r == nil {
		return Restriction{}, false
	}
	lower := strings.ToLower(text)
	for _, res := range r.list {
		if !res.IsActive() {
			continue
		}
		for _, trig := range res.Triggers {
			if trig = strings.ToLower(strings.TrimSpace(trig)); trig != "" && strings.Contains(lower, trig) {
				return res, true
			}
		}
	}
	return Restriction{}, false
}
