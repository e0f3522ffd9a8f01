package analyzer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

const (
	maxThemes = 15
	maxQuotes = 10

	// A quote passes verification when this share of its significant words
	// appears in the transcript.
	verifyWordRatio = 0.7
	// Quotes scoring below this on the quality check are dropped.
	minQuoteQuality = 60
)

type modelOutput struct {
	Themes              []string     `json:"themes"`
	CulturalThemes      []string     `json:"cultural_themes"`
	Quotes              []modelQuote `json:"key_quotes"`
	Summary             string       `json:"summary"`
	CulturalSensitivity string       `json:"cultural_sensitivity_level"`
	RequiresElderReview bool         `json:"requires_elder_review"`
}

type modelQuote struct {
	Text        string  `json:"text"`
	Theme       string  `json:"theme"`
	ImpactScore float64 `json:"impact_score"`
	Category    string  `json:"category"`
}

var fence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// decodeOutput parses raw model output, tolerating a surrounding markdown
// code fence.
func decodeOutput(raw string) (modelOutput, error) {
	s := strings.TrimSpace(raw)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if s == "" {
		return modelOutput{}, fmt.Errorf("%w: empty response", ErrModelMalformed)
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return modelOutput{}, fmt.Errorf("%w: %v", ErrModelMalformed, err)
	}
	return out, nil
}

// normalized is the cleaned model output ready to become a UnitAnalysis.
type normalized struct {
	themes         []string
	quotes         []storage.Quote
	summary        string
	requiresReview bool
	quality        map[string]float64
}

func normalize(out modelOutput, transcript string) normalized {
	n := normalized{
		themes:  normalizeThemes(append(slices.Clone(out.Themes), out.CulturalThemes...)),
		summary: strings.TrimSpace(out.Summary),
		requiresReview: out.RequiresElderReview ||
			out.CulturalSensitivity == "high" || out.CulturalSensitivity == "sacred",
	}

	verified := 0
	var qualitySum float64
	seen := make(map[string]bool)
	for _, q := range out.Quotes {
		text := strings.TrimSpace(q.Text)
		if text == "" || !quoteInTranscript(text, transcript) {
			continue
		}
		verified++
		score := quoteQuality(text)
		if score < minQuoteQuality {
			continue
		}
		key := normalizeText(text)
		if seen[key] || len(n.quotes) == maxQuotes {
			continue
		}
		seen[key] = true
		qualitySum += float64(score)
		n.quotes = append(n.quotes, storage.Quote{
			Text:     text,
			Category: normalizeCategory(q.Category),
			Theme:    normalizeTheme(q.Theme),
			Impact:   clamp01(q.ImpactScore / 5),
		})
	}

	extracted := len(out.Quotes)
	n.quality = map[string]float64{
		"quotes_extracted": float64(extracted),
		"quotes_verified":  float64(verified),
	}
	var rate, quoteQ float64
	if extracted > 0 {
		rate = float64(verified) / float64(extracted)
	}
	if len(n.quotes) > 0 {
		quoteQ = qualitySum / float64(len(n.quotes)) / 100
	}
	n.quality["verification_rate"] = rate
	n.quality["quote_quality"] = quoteQ
	n.quality["overall"] = (rate + quoteQ) / 2
	return n
}

func normalizeTheme(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizeThemes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = normalizeTheme(strings.ReplaceAll(t, "_", " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxThemes {
			break
		}
	}
	return out
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if slices.Contains(quoteCategories, c) {
		return c
	}
	return "impact"
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var curlyQuotes = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")

// normalizeText lowercases, folds quote characters and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(curlyQuotes.Replace(strings.ToLower(s))), " ")
}

// quoteInTranscript reports whether a quote actually occurs in the
// transcript: verbatim after normalization, or with most of its
// significant words present.
func quoteInTranscript(quote, transcript string) bool {
	q := normalizeText(quote)
	t := normalizeText(transcript)
	if strings.Contains(t, q) {
		return true
	}

	var words, matched int
	for _, w := range strings.Fields(q) {
		if len(w) <= 3 {
			continue
		}
		words++
		if strings.Contains(t, w) {
			matched++
		}
	}
	if words == 0 {
		return false
	}
	return float64(matched)/float64(words) >= verifyWordRatio
}

var (
	grammarIssues = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(more lower|more better|more higher)\b`),
		regexp.MustCompile(`(?i)\band this\s+and\s+`),
		regexp.MustCompile(`(?i)\byou know\s+you know`),
	}
	superficial = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bit's\s+(nice|good|great|okay)\b`),
		regexp.MustCompile(`(?i)\bI\s+like\s+it\b`),
		regexp.MustCompile(`(?i)\bit's\s+(better|comfortable)\s*$`),
	}
	sentenceEnd = regexp.MustCompile(`[.!?]+`)
)

// quoteQuality scores a quote from 0 to 100 on coherence, completeness and
// depth. Truncated, fragmentary and superficial quotes score low.
func quoteQuality(q string) int {
	coherence, completeness, depth := 100, 100, 100

	if strings.Contains(q, "...") {
		coherence -= 20
	}
	if last, _ := utf8.DecodeLastRuneInString(q); !strings.ContainsRune(".!?\"”", last) {
		completeness -= 30
	}
	if len(strings.Fields(q)) < 10 {
		depth -= 20
	}
	for _, s := range sentenceEnd.Split(q, -1) {
		if len(strings.Fields(s)) > 40 {
			coherence -= 30
			break
		}
	}
	for _, re := range grammarIssues {
		if re.MatchString(q) {
			coherence -= 15
		}
	}
	for _, re := range superficial {
		if re.MatchString(q) {
			depth -= 30
		}
	}
	if strings.HasPrefix(q, "Because ") && !strings.Contains(q, ", ") {
		completeness -= 40
	}

	// Relevance is not assessed and counts as full marks.
	return (max(coherence, 0) + max(completeness, 0) + max(depth, 0) + 100) / 4
}
