package citations

import (
	"context"
	"regexp"
)

// Recognizers are compiled once at package level. The case-number grammar
// accepts both Cyrillic and Latin prefixes; NormalizeKey folds them.
var (
	// Arbitration cases: А40-12345/2024 (region code after the А prefix).
	// \b does not work before a Cyrillic letter, so the left boundary is an
	// explicit non-letter prefix group and the number itself is captured.
	arbitrationCasePattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}\d])([АA]\d{1,2}-\d{1,7}/(?:19|20)\d{2})\b`)

	// Cassation cases: 88-1234/2023.
	cassationCasePattern = regexp.MustCompile(`\b8[89]-\d{1,6}/(?:19|20)\d{2}\b`)

	// Appellate cases: 09АП-12345/2023, 13АП-54321/2024.
	appellateCasePattern = regexp.MustCompile(`(?i)\b\d{2}[АA][ПP]-\d{1,6}/(?:19|20)\d{2}\b`)

	// Code articles: ст. 333 ГК РФ, optionally with part/paragraph/sub-paragraph
	// qualifiers: ч. 1 ст. ..., п. 1 ст. ..., пп. 2 п. 1 ст. ...
	articlePattern = regexp.MustCompile(
		`(?i)(?:пп(?:одпункта?|\.)\s*(\d+)\s+)?(?:п(?:ункта?|\.)\s*(\d+)\s+)?(?:ч(?:асти?|\.)\s*(\d+)\s+)?ст(?:атьи?|\.)\s*(\d+(?:\.\d+)?)\s+([А-ЯЁ]{2,5})\s*РФ`)

	// Federal laws: ФЗ от 08.02.1998 N 14-ФЗ / Федеральный закон от ...
	federalLawPattern = regexp.MustCompile(
		`(?i)(?:Федеральн(?:ого|ый)\s+закон(?:а)?|ФЗ)\s+от\s+(\d{2}\.\d{2}\.\d{4})\s*[NН№]\s*(\d+(?:-ФЗ)?)`)

	// Government decrees: Постановление Правительства РФ от 01.01.2020 № 1.
	decreePattern = regexp.MustCompile(
		`[Пп]остановлени[еия]\s+Правительства\s*РФ\s+от\s+(\d{2}\.\d{2}\.\d{4})\s*[NН№]\s*(\d+)`)

	// Presidential orders: Указ Президента РФ от 01.01.2020 № 1.
	presidentialOrderPattern = regexp.MustCompile(
		`[Уу]каз(?:а)?\s+Президента\s*РФ\s+от\s+(\d{2}\.\d{2}\.\d{4})\s*[NН№]\s*(\d+)`)
)

// codeNames expands code abbreviations to their full instrument names.
var codeNames = map[string]string{
	"ГК":   "Гражданский кодекс Российской Федерации",
	"УК":   "Уголовный кодекс Российской Федерации",
	"КОАП": "Кодекс Российской Федерации об административных правонарушениях",
	"ТК":   "Трудовой кодекс Российской Федерации",
	"НК":   "Налоговый кодекс Российской Федерации",
	"АПК":  "Арбитражный процессуальный кодекс Российской Федерации",
	"ГПК":  "Гражданский процессуальный кодекс Российской Федерации",
	"УПК":  "Уголовно-процессуальный кодекс Российской Федерации",
	"КАС":  "Кодекс административного судопроизводства Российской Федерации",
	"СК":   "Семейный кодекс Российской Федерации",
	"ЖК":   "Жилищный кодекс Российской Федерации",
	"ЗК":   "Земельный кодекс Российской Федерации",
	"БК":   "Бюджетный кодекс Российской Федерации",
}

// PatternExtractor recognizes citations with fixed regular expressions.
// Deterministic and free: the default strategy.
type PatternExtractor struct{}

func NewPatternExtractor() *PatternExtractor { return &PatternExtractor{} }

// Extract never fails; the error return satisfies the Extractor contract.
func (e *PatternExtractor) Extract(_ context.Context, text string) ([]CaseReference, error) {
	var refs []CaseReference

	for _, m := range arbitrationCasePattern.FindAllStringSubmatch(text, -1) {
		refs = append(refs, CaseReference{
			Kind:    KindCase,
			RawText: m[1],
			Number:  m[1],
		})
	}
	for _, pat := range []*regexp.Regexp{cassationCasePattern, appellateCasePattern} {
		for _, m := range pat.FindAllString(text, -1) {
			refs = append(refs, CaseReference{
				Kind:    KindCase,
				RawText: m,
				Number:  m,
			})
		}
	}

	for _, m := range articlePattern.FindAllStringSubmatch(text, -1) {
		sub, par, part, article, code := m[1], m[2], m[3], m[4], m[5]
		refs = append(refs, CaseReference{
			Kind:         KindStatute,
			RawText:      m[0],
			ActType:      NormalizeCode(code),
			ActName:      codeName(code),
			Article:      article,
			Part:         part,
			Paragraph:    par,
			Subparagraph: sub,
		})
	}

	for _, m := range federalLawPattern.FindAllStringSubmatch(text, -1) {
		refs = append(refs, CaseReference{
			Kind:    KindInstrument,
			RawText: m[0],
			ActType: "ФЗ",
			ActName: "Федеральный закон от " + m[1] + " № " + m[2],
			Date:    m[1],
			Number:  m[2],
		})
	}
	for _, m := range decreePattern.FindAllStringSubmatch(text, -1) {
		refs = append(refs, CaseReference{
			Kind:    KindInstrument,
			RawText: m[0],
			ActType: "ПП_РФ",
			ActName: "Постановление Правительства РФ от " + m[1] + " № " + m[2],
			Date:    m[1],
			Number:  m[2],
		})
	}
	for _, m := range presidentialOrderPattern.FindAllStringSubmatch(text, -1) {
		refs = append(refs, CaseReference{
			Kind:    KindInstrument,
			RawText: m[0],
			ActType: "УП_РФ",
			ActName: "Указ Президента РФ от " + m[1] + " № " + m[2],
			Date:    m[1],
			Number:  m[2],
		})
	}

	return Dedupe(refs), nil
}

func codeName(code string) string {
	if name, ok := codeNames[NormalizeCode(code)]; ok {
		return name
	}
	return NormalizeCode(code) + " РФ"
}

var _ Extractor = (*PatternExtractor)(nil)
