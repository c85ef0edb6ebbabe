// Package metadata derives coarse medical entities from extracted text.
package metadata

import "regexp"

// Entity categories. Every map returned by Tag contains all of them.
const (
	CategoryConditions  = "conditions"
	CategoryMedications = "medications"
	CategoryProcedures  = "procedures"
	CategoryVitalSigns  = "vital_signs"
	CategoryLabValues   = "lab_values"
)

// Categories lists the entity categories in a stable order.
var Categories = []string{
	CategoryConditions,
	CategoryMedications,
	CategoryProcedures,
	CategoryVitalSigns,
	CategoryLabValues,
}

// pattern captures the value of a labelled measurement in group 1.
type pattern struct {
	category string
	re       *regexp.Regexp
}

// Blood pressure, heart rate and temperature, matched in that order.
var defaultPatterns = []pattern{
	{CategoryVitalSigns, regexp.MustCompile(`(?i)(?:bp|blood pressure):\s*(\d+/\d+)`)},
	{CategoryVitalSigns, regexp.MustCompile(`(?i)(?:hr|heart rate):\s*(\d+)`)},
	{CategoryVitalSigns, regexp.MustCompile(`(?i)(?:temp|temperature):\s*(\d+\.?\d*)`)},
}

// Tagger extracts entities with regular expressions.
// It is a stand-in for a clinical NLP model and never fails.
type Tagger struct {
	patterns []pattern
}

// NewTagger creates a Tagger with the built-in vital sign patterns.
func NewTagger() *Tagger {
	return &Tagger{patterns: defaultPatterns}
}

// Tag returns the captured values per category. Categories with no matches
// map to empty, non-nil slices.
func (t *Tagger) Tag(text string) map[string][]string {
	entities := make(map[string][]string, len(Categories))
	for _, c := range Categories {
		entities[c] = []string{}
	}

	for _, p := range t.patterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			entities[p.category] = append(entities[p.category], m[1])
		}
	}
	return entities
}
