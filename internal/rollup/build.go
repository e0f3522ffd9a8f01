package rollup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// Score keys carried on aggregates.
const (
	ScoreImpact  = "impact"
	ScoreQuality = "quality"
	ScoreOverall = "overall"
)

// LevelConfig parameterizes the rollup of one level.
type LevelConfig struct {
	QuoteLimit int
	// Weights combine the averaged scores into ScoreOverall.
	Weights map[string]float64
}

// DefaultLevels returns the built-in per-level configuration.
func DefaultLevels() map[storage.Level]LevelConfig {
	return map[storage.Level]LevelConfig{
		storage.LevelPerson:       {QuoteLimit: 12, Weights: map[string]float64{ScoreImpact: 0.6, ScoreQuality: 0.4}},
		storage.LevelGroup:        {QuoteLimit: 10, Weights: map[string]float64{ScoreImpact: 0.5, ScoreQuality: 0.5}},
		storage.LevelOrganization: {QuoteLimit: 8, Weights: map[string]float64{ScoreImpact: 0.5, ScoreQuality: 0.5}},
		storage.LevelPlatform:     {QuoteLimit: 5, Weights: map[string]float64{ScoreImpact: 0.4, ScoreQuality: 0.6}},
	}
}

// Child is the uniform input of a rollup: a unit analysis at the person
// level, a lower-level aggregate above it.
type Child struct {
	ID      string
	Themes  []storage.ThemeCount
	Quotes  []storage.Quote
	Scores  map[string]float64
	Items   int
	Version int
}

// ChildFromAnalysis turns a unit analysis into a rollup child. Each theme
// counts once; impact is the mean quote impact.
func ChildFromAnalysis(a storage.UnitAnalysis) Child {
	themes := make([]storage.ThemeCount, len(a.Themes))
	for i, t := range a.Themes {
		themes[i] = storage.ThemeCount{Theme: t, Count: 1}
	}
	var impact float64
	for _, q := range a.Quotes {
		impact += q.Impact
	}
	if len(a.Quotes) > 0 {
		impact /= float64(len(a.Quotes))
	}
	quality, ok := a.Quality["overall"]
	if !ok {
		quality = a.Quality["verification_rate"]
	}
	return Child{
		ID:      a.UnitID,
		Themes:  themes,
		Quotes:  a.Quotes,
		Scores:  map[string]float64{ScoreImpact: impact, ScoreQuality: quality},
		Items:   1,
		Version: a.Revision,
	}
}

// ChildFromAggregate turns a lower-level aggregate into a rollup child.
func ChildFromAggregate(a storage.ScopeAggregate) Child {
	return Child{
		ID:      a.ScopeID,
		Themes:  a.Themes,
		Quotes:  a.Quotes,
		Scores:  a.Scores,
		Items:   a.ItemCount,
		Version: a.Version,
	}
}

// Build computes the aggregate of one scope from its children. It is a pure
// function of its inputs; GeneratedAt and RunID are left for the caller.
func Build(level storage.Level, scopeID string, children []Child, cfg LevelConfig) storage.ScopeAggregate {
	agg := storage.ScopeAggregate{
		Level:      level,
		ScopeID:    scopeID,
		Themes:     mergeThemes(children),
		Quotes:     selectQuotes(children, cfg.QuoteLimit),
		Scores:     mergeScores(children, cfg.Weights),
		ChildCount: len(children),
		Version:    1,
	}
	for _, c := range children {
		agg.ItemCount += c.Items
		if c.Version+1 > agg.Version {
			agg.Version = c.Version + 1
		}
	}
	agg.Digest = Digest(agg)
	return agg
}

func mergeThemes(children []Child) []storage.ThemeCount {
	counts := make(map[string]int)
	for _, c := range children {
		for _, t := range c.Themes {
			counts[t.Theme] += t.Count
		}
	}
	out := make([]storage.ThemeCount, 0, len(counts))
	for theme, n := range counts {
		out = append(out, storage.ThemeCount{Theme: theme, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Theme < out[j].Theme
	})
	return out
}

// selectQuotes keeps the highest-impact distinct quotes. Ties break on the
// normalized text, then the source unit, so the result does not depend on
// child order.
func selectQuotes(children []Child, limit int) []storage.Quote {
	type candidate struct {
		q   storage.Quote
		key string
	}
	var all []candidate
	for _, c := range children {
		for _, q := range c.Quotes {
			all = append(all, candidate{q: q, key: quoteKey(q.Text)})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.q.Impact != b.q.Impact {
			return a.q.Impact > b.q.Impact
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.q.UnitID < b.q.UnitID
	})

	out := []storage.Quote{}
	seen := make(map[string]bool)
	for _, c := range all {
		if len(out) == limit {
			break
		}
		if seen[c.key] {
			continue
		}
		seen[c.key] = true
		out = append(out, c.q)
	}
	return out
}

// quoteKey folds case, punctuation and whitespace.
func quoteKey(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mergeScores averages each score weighted by item count and derives
// ScoreOverall from the level weights. Children with no items do not count.
func mergeScores(children []Child, weights map[string]float64) map[string]float64 {
	sums := make(map[string]float64)
	var items int
	for _, c := range children {
		if c.Items <= 0 {
			continue
		}
		items += c.Items
		for k, v := range c.Scores {
			if k == ScoreOverall {
				continue
			}
			sums[k] += v * float64(c.Items)
		}
	}

	scores := map[string]float64{ScoreImpact: 0, ScoreQuality: 0, ScoreOverall: 0}
	if items == 0 {
		return scores
	}
	for k, s := range sums {
		scores[k] = s / float64(items)
	}

	var total, wsum float64
	for k, w := range weights {
		total += w * scores[k]
		wsum += w
	}
	if wsum > 0 {
		scores[ScoreOverall] = total / wsum
	}
	return scores
}

// Digest hashes the content of an aggregate, excluding GeneratedAt and
// RunID, so identical inputs give identical digests across runs.
func Digest(agg storage.ScopeAggregate) string {
	content := struct {
		Level      string               `json:"level"`
		ScopeID    string               `json:"scope_id"`
		Themes     []storage.ThemeCount `json:"themes"`
		Quotes     []storage.Quote      `json:"quotes"`
		Scores     map[string]float64   `json:"scores"`
		ChildCount int                  `json:"child_count"`
		ItemCount  int                  `json:"item_count"`
		Version    int                  `json:"version"`
	}{agg.Level.String(), agg.ScopeID, agg.Themes, agg.Quotes, agg.Scores, agg.ChildCount, agg.ItemCount, agg.Version}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
