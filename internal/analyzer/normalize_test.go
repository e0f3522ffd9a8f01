package analyzer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteInTranscript(t *testing.T) {
	tr := "We walked the river every morning, listening to the old people tell their stories."
	tests := []struct {
		quote string
		want  bool
	}{
		{"walked the river every morning", true},
		{"WE   walked the River every morning,", true},
		{"We walked beside the river every single morning listening", true},
		{"Nothing about this sentence appears anywhere", false},
		{"a an to", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quoteInTranscript(tt.quote, tr), tt.quote)
	}
}

func TestQuoteInTranscript_CurlyQuotes(t *testing.T) {
	tr := `She said “come home” and I did.`
	assert.True(t, quoteInTranscript(`She said "come home" and I did.`, tr))
}

func TestQuoteQuality(t *testing.T) {
	tests := []struct {
		name  string
		quote string
		want  int
	}{
		{"complete", "She taught me that the land remembers everything we do to it.", 100},
		{"short", "The land remembers us.", 95},
		{"no ending", "She taught me that the land remembers everything we do to it", 92},
		{"superficial", "I like it because the program is good for the kids here.", 92},
		{"fragment", "Because the program is good for the kids who live here now.", 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteQuality(tt.quote))
		})
	}
}

func TestNormalizeThemes(t *testing.T) {
	var in []string
	for i := range 20 {
		in = append(in, fmt.Sprintf("Theme %d", i))
	}
	in = append([]string{"  Healing ", "healing", ""}, in...)

	got := normalizeThemes(in)
	assert.Len(t, got, maxThemes)
	assert.Equal(t, "healing", got[0])
	assert.Equal(t, "theme 0", got[1])
}

func TestNormalize_CapsQuotes(t *testing.T) {
	var tr string
	var out modelOutput
	for i := range 12 {
		q := fmt.Sprintf("Story number %d is about how our families carried the language through hard years.", i)
		tr += q + " "
		out.Quotes = append(out.Quotes, modelQuote{Text: q, ImpactScore: 9, Category: "unknown"})
	}
	n := normalize(out, tr)
	assert.Len(t, n.quotes, maxQuotes)
	assert.Equal(t, 1.0, n.quotes[0].Impact, "impact is clamped into [0,1]")
	assert.Equal(t, "impact", n.quotes[0].Category)
	assert.Equal(t, 12.0, n.quality["quotes_verified"])
}

func TestNormalize_DuplicateQuotes(t *testing.T) {
	q := "We kept the fire going for the whole community through that winter."
	out := modelOutput{Quotes: []modelQuote{{Text: q, ImpactScore: 3}, {Text: "  " + q, ImpactScore: 4}}}
	n := normalize(out, q)
	assert.Len(t, n.quotes, 1)
}

func TestDecodeOutput(t *testing.T) {
	_, err := decodeOutput("")
	assert.ErrorIs(t, err, ErrModelMalformed)

	out, err := decodeOutput("```\n{\"themes\":[\"a\"]}\n```")
	assert.NoError(t, err)
	assert.Equal(t, []string{"a"}, out.Themes)
}
