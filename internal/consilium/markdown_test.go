package consilium

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanMarkdownStripsDecoration(t *testing.T) {
	in := "# Заголовок\n\n**жирный** и *курсив* и __ещё__\n\n---\n\nтекст"
	out := CleanMarkdown(in)
	assert.Equal(t, "Заголовок\n\nжирный и курсив и ещё\n\nтекст", out)
}

func TestCleanMarkdownRemovesCodeFences(t *testing.T) {
	in := "до\n```json\n{\"a\": 1}\n```\nпосле"
	out := CleanMarkdown(in)
	assert.NotContains(t, out, "```")
	assert.Contains(t, out, `{"a": 1}`)
}

func TestCleanMarkdownDropsTitleAndSignature(t *testing.T) {
	in := "ПРАВОВОЕ ЗАКЛЮЧЕНИЕ\n\nСуть вывода.\n\nС уважением,\nПодготовлено консилиумом"
	out := CleanMarkdown(in)
	assert.Equal(t, "Суть вывода.", out)
}

func TestCleanMarkdownCollapsesBlankRuns(t *testing.T) {
	out := CleanMarkdown("а\n\n\n\n\nб")
	assert.Equal(t, "а\n\nб", out)
}

func TestCleanMarkdownPlainTextUntouched(t *testing.T) {
	in := "Обычное заключение без разметки. Статья 333 ГК РФ применима."
	assert.Equal(t, in, CleanMarkdown(in))
}
