package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	got := splitText("aaaa\nbbbb\ncccc", 10, "")
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, got)
}

func TestSplitTextKeepsPreBlocksBalanced(t *testing.T) {
	var rows []string
	for i := 0; i < 20; i++ {
		rows = append(rows, "cats        1        0       12")
	}
	text := "<pre>" + strings.Join(rows, "\n") + "</pre>"

	chunks := splitText(text, 200, "HTML")
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "<pre>"), c)
		assert.True(t, strings.HasSuffix(c, "</pre>"), c)
		assert.Equal(t, 1, strings.Count(c, "<pre>"), c)
	}
}

func TestSplitTextDoesNotCutTags(t *testing.T) {
	text := strings.Repeat("x", 15) + "<b>bold</b>"
	chunks := splitText(text, 17, "HTML")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 15), chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "<b>"))
}

func TestSplitTextKeepsFencesBalanced(t *testing.T) {
	text := "```\n" + strings.Repeat("line\n", 10) + "```"
	chunks := splitText(text, 30, "")
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Equal(t, 0, strings.Count(c, "```")%2, c)
	}
}
