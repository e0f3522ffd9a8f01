package analyzer

import (
	"github.com/acurioustractor/ledger-insights/internal/engine"
	"github.com/acurioustractor/ledger-insights/internal/scorer"
)

// rubricVersion changes whenever the instructions or schema below change in
// a way that alters output. It is folded into the analyzer version and so
// into every fingerprint.
const rubricVersion = "r3"

const instructions = `You are analyzing a community member's story transcript for a storytelling platform. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Extract:
- themes: up to 15 short theme labels (one to three words each) that the storyteller actually speaks about.
- cultural_themes: up to 10 themes that concern culture, identity, land, language or community protocol.
- key_quotes: the 3 to 10 most impactful passages, copied EXACTLY from the transcript. Never paraphrase, merge or invent wording. Each quote should be a complete thought of at least 15 words unless it is exceptionally powerful.
- impact_score for each quote on a scale of 0 to 5, where 5 is a transformative, deeply significant statement.
- category for each quote: one of transformation, wisdom, challenge, impact, cultural_insight, relationship.
- summary: two or three sentences in plain language that honor the storyteller's own voice.
- cultural_sensitivity_level: low, medium, high or sacred.
- requires_elder_review: true when the story contains cultural knowledge, sacred material or anything that should be reviewed by elders before publication.

Rules:
- Respect the storyteller. Do not diagnose, judge or embellish.
- If the transcript contains little substance, return empty arrays rather than inventing content.`

var quoteCategories = []string{"transformation", "wisdom", "challenge", "impact", "cultural_insight", "relationship"}

// Rubric returns the scoring rubric used for every unit.
func Rubric() scorer.Rubric {
	temp := 0.2
	return scorer.Rubric{
		Name:         "transcript_analysis",
		Version:      rubricVersion,
		Instructions: instructions,
		Schema:       analysisSchema(),
		Temperature:  &temp,
	}
}

func analysisSchema() *engine.Schema {
	str := func(desc string) *engine.Schema { return &engine.Schema{Type: "string", Description: desc} }
	strList := func(desc string) *engine.Schema {
		return &engine.Schema{Type: "array", Description: desc, Items: &engine.Schema{Type: "string"}}
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]*engine.Schema{
			"themes":          strList("Key themes found in the transcript"),
			"cultural_themes": strList("Cultural or identity themes"),
			"key_quotes": {
				Type:        "array",
				Description: "Most impactful quotes, verbatim",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]*engine.Schema{
						"text":         str("Exact quote from the transcript"),
						"theme":        str("Theme the quote speaks to"),
						"impact_score": {Type: "number", Description: "Impact score 0-5"},
						"category":     {Type: "string", Enum: quoteCategories},
					},
					Required: []string{"text", "impact_score", "category"},
				},
			},
			"summary":                    str("Short summary in the storyteller's voice"),
			"cultural_sensitivity_level": {Type: "string", Enum: []string{"low", "medium", "high", "sacred"}},
			"requires_elder_review":      {Type: "boolean", Description: "Whether elders should review before publication"},
		},
		Required: []string{"themes", "key_quotes", "summary", "requires_elder_review"},
	}
}
