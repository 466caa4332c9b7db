package citations

import (
	"context"
	"strings"
	"unicode"
)

// Kind distinguishes the citation grammars the extractor recognizes.
type Kind string

const (
	KindCase       Kind = "case"       // court case number, e.g. А40-12345/2024
	KindStatute    Kind = "statute"    // code article, e.g. п. 1 ст. 333 ГК РФ
	KindInstrument Kind = "instrument" // dated law/decree/order, e.g. ФЗ от 08.02.1998 № 14-ФЗ
)

// CaseReference is one structured mention of a verifiable legal fact
// extracted from an opinion. Immutable once created.
type CaseReference struct {
	Kind    Kind   `json:"kind"`
	RawText string `json:"raw_text"`

	// Case fields
	Number string `json:"number,omitempty"`
	Court  string `json:"court,omitempty"`
	Date   string `json:"date,omitempty"`

	// Statute fields
	ActType      string `json:"act_type,omitempty"`
	ActName      string `json:"act_name,omitempty"`
	Article      string `json:"article,omitempty"`
	Part         string `json:"part,omitempty"`
	Paragraph    string `json:"paragraph,omitempty"`
	Subparagraph string `json:"subparagraph,omitempty"`

	Summary     string `json:"summary,omitempty"`
	SourceAgent string `json:"source_agent,omitempty"`
}

// NormalizedKey derives the dedup/verification key: lowercase, all
// whitespace stripped, Cyrillic look-alike letters folded to Latin so the
// same case number cited in mixed scripts by different agents collapses
// to one citation.
func (r CaseReference) NormalizedKey() string {
	base := r.Number
	if base == "" {
		base = r.RawText
	}
	return NormalizeKey(base)
}

// cyrillicFold maps the Cyrillic letters that render identically to Latin
// ones. Arbitration numbers are typed with either script in the wild.
var cyrillicFold = map[rune]rune{
	'а': 'a', 'в': 'b', 'с': 'c', 'е': 'e', 'н': 'h', 'к': 'k',
	'м': 'm', 'о': 'o', 'р': 'p', 'т': 't', 'у': 'y', 'х': 'x',
}

// NormalizeKey folds a raw citation string into its canonical form.
func NormalizeKey(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if folded, ok := cyrillicFold[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeCode canonicalizes a code abbreviation ("гк", "КоАП" become
// "ГК", "КОАП") so abbreviations match the lookup table regardless of case.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Dedupe returns references unique by normalized key, preserving first
// occurrence order.
func Dedupe(refs []CaseReference) []CaseReference {
	seen := make(map[string]struct{}, len(refs))
	out := make([]CaseReference, 0, len(refs))
	for _, ref := range refs {
		key := ref.NormalizedKey()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Extractor pulls candidate citations out of free text. Implementations
// must deduplicate by normalized key before returning.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]CaseReference, error)
}
