package consilium

import (
	"regexp"
	"strings"
)

var (
	codeFenceRe   = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	boldRe        = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	italicRe      = regexp.MustCompile(`\*(.+?)\*|\b_(.+?)_\b`)
	hruleRe       = regexp.MustCompile(`(?m)^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
	signatureRe   = regexp.MustCompile(`(?mi)^\s*(С уважением[,.]?|Подготовлено.*|Настоящее заключение подготовлено.*)\s*$`)
	titlePrefixRe = regexp.MustCompile(`(?i)^\s*ПРАВОВОЕ ЗАКЛЮЧЕНИЕ\s*\n+`)
)

// CleanMarkdown strips markdown decoration from a synthesized conclusion
// so it reads as a plain legal memo: models decorate their output even
// when told not to.
func CleanMarkdown(s string) string {
	s = codeFenceRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "")
	s = boldRe.ReplaceAllString(s, "$1$2")
	s = italicRe.ReplaceAllString(s, "$1$2")
	s = hruleRe.ReplaceAllString(s, "")
	s = titlePrefixRe.ReplaceAllString(s, "")
	s = signatureRe.ReplaceAllString(s, "")
	s = blankRunsRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
