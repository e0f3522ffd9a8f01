package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

func quote(text, unit string, impact float64) storage.Quote {
	return storage.Quote{Text: text, UnitID: unit, Impact: impact, Category: "impact"}
}

func TestBuild_MergesThemes(t *testing.T) {
	children := []Child{
		{ID: "a", Themes: []storage.ThemeCount{{Theme: "land", Count: 2}, {Theme: "family", Count: 1}}, Items: 2},
		{ID: "b", Themes: []storage.ThemeCount{{Theme: "family", Count: 1}, {Theme: "art", Count: 1}}, Items: 1},
	}
	agg := Build(storage.LevelGroup, "g", children, DefaultLevels()[storage.LevelGroup])

	assert.Equal(t, []storage.ThemeCount{
		{Theme: "family", Count: 2},
		{Theme: "land", Count: 2},
		{Theme: "art", Count: 1},
	}, agg.Themes)
	assert.Equal(t, 2, agg.ChildCount)
	assert.Equal(t, 3, agg.ItemCount)
}

func TestBuild_QuoteBoundPerLevel(t *testing.T) {
	var quotes []storage.Quote
	for i := range 30 {
		quotes = append(quotes, quote(string(rune('a'+i%26))+" distinct quote", "u", float64(i)/30))
	}
	children := []Child{{ID: "c", Quotes: quotes, Items: 1}}

	for level, cfg := range DefaultLevels() {
		agg := Build(level, "s", children, cfg)
		assert.LessOrEqual(t, len(agg.Quotes), cfg.QuoteLimit, level.String())
	}
	platform := Build(storage.LevelPlatform, "platform", children, DefaultLevels()[storage.LevelPlatform])
	assert.Len(t, platform.Quotes, 5)
}

func TestBuild_QuoteSelectionDeterministic(t *testing.T) {
	a := Child{ID: "a", Items: 1, Quotes: []storage.Quote{
		quote("The river raised us.", "u1", 0.8),
		quote("We sang every night", "u1", 0.5),
	}}
	b := Child{ID: "b", Items: 1, Quotes: []storage.Quote{
		quote("the river RAISED us", "u2", 0.8),
		quote("Another voice, another song.", "u2", 0.8),
	}}
	cfg := LevelConfig{QuoteLimit: 2}

	ab := Build(storage.LevelGroup, "g", []Child{a, b}, cfg)
	ba := Build(storage.LevelGroup, "g", []Child{b, a}, cfg)

	require.Len(t, ab.Quotes, 2)
	assert.Equal(t, ab.Quotes, ba.Quotes)
	assert.Equal(t, "Another voice, another song.", ab.Quotes[0].Text)
	// Duplicate text collapses onto the quote from the lowest unit id.
	assert.Equal(t, "u1", ab.Quotes[1].UnitID)
	assert.Equal(t, ab.Digest, ba.Digest)
}

func TestBuild_ScoresWeightedByItems(t *testing.T) {
	children := []Child{
		{ID: "a", Items: 3, Scores: map[string]float64{ScoreImpact: 1, ScoreQuality: 0.5, ScoreOverall: 99}},
		{ID: "b", Items: 1, Scores: map[string]float64{ScoreImpact: 0, ScoreQuality: 0.1}},
		{ID: "empty", Items: 0, Scores: map[string]float64{ScoreImpact: 0, ScoreQuality: 0}},
	}
	cfg := LevelConfig{QuoteLimit: 1, Weights: map[string]float64{ScoreImpact: 1, ScoreQuality: 1}}
	agg := Build(storage.LevelGroup, "g", children, cfg)

	assert.InDelta(t, 0.75, agg.Scores[ScoreImpact], 1e-9)
	assert.InDelta(t, 0.4, agg.Scores[ScoreQuality], 1e-9)
	assert.InDelta(t, 0.575, agg.Scores[ScoreOverall], 1e-9)
}

func TestBuild_Version(t *testing.T) {
	children := []Child{{ID: "a", Version: 3}, {ID: "b", Version: 7}}
	agg := Build(storage.LevelOrganization, "o", children, DefaultLevels()[storage.LevelOrganization])
	assert.Equal(t, 8, agg.Version)
}

func TestBuild_EmptyScope(t *testing.T) {
	agg := Build(storage.LevelGroup, "g-empty", nil, DefaultLevels()[storage.LevelGroup])

	assert.Equal(t, 0, agg.ChildCount)
	assert.Equal(t, 0, agg.ItemCount)
	assert.Empty(t, agg.Themes)
	assert.NotNil(t, agg.Quotes)
	assert.Empty(t, agg.Quotes)
	assert.Equal(t, map[string]float64{ScoreImpact: 0, ScoreQuality: 0, ScoreOverall: 0}, agg.Scores)
	assert.Equal(t, 1, agg.Version)
	assert.NotEmpty(t, agg.Digest)
}

func TestChildFromAnalysis(t *testing.T) {
	c := ChildFromAnalysis(storage.UnitAnalysis{
		UnitID:   "u1",
		Revision: 2,
		Themes:   []string{"land", "family"},
		Quotes:   []storage.Quote{quote("x", "u1", 0.2), quote("y", "u1", 0.6)},
		Quality:  map[string]float64{"overall": 0.9},
	})
	assert.Equal(t, 1, c.Items)
	assert.Equal(t, 2, c.Version)
	assert.InDelta(t, 0.4, c.Scores[ScoreImpact], 1e-9)
	assert.Equal(t, 0.9, c.Scores[ScoreQuality])
	assert.Equal(t, []storage.ThemeCount{{Theme: "land", Count: 1}, {Theme: "family", Count: 1}}, c.Themes)
}

func TestQuoteKey(t *testing.T) {
	assert.Equal(t, "the river raised us", quoteKey("  The river, RAISED   us! "))
	assert.Equal(t, quoteKey(`She said “home”`), quoteKey(`she said "home"`))
}

func TestDigest_IgnoresRunMetadata(t *testing.T) {
	agg := Build(storage.LevelGroup, "g", nil, DefaultLevels()[storage.LevelGroup])
	other := agg
	other.RunID = "another-run"
	assert.Equal(t, Digest(agg), Digest(other))
}
