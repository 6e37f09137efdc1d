package memory

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMarkdown_Empty(t *testing.T) {
	assert.Empty(t, splitMarkdown("", DefaultChunkOptions()))
}

func TestSplitMarkdown_SingleChunk(t *testing.T) {
	text := "# Title\n\nShort document.\n"
	pieces := splitMarkdown(text, DefaultChunkOptions())

	require.Len(t, pieces, 1)
	assert.Equal(t, text, pieces[0].Text)
	assert.Equal(t, 1, pieces[0].StartLine)
	assert.Equal(t, 3, pieces[0].EndLine)
	assert.Len(t, pieces[0].Hash, 12)
}

func TestSplitMarkdown_RespectsBudget(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("some line of markdown content here\n")
	}
	opts := ChunkOptions{TokenBudget: 50, OverlapTokens: 5} // 200 chars
	pieces := splitMarkdown(b.String(), opts)

	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), opts.charBudget()+opts.overlapChars())
		assert.GreaterOrEqual(t, p.EndLine, p.StartLine)
	}
}

func TestSplitMarkdown_Reconstruction(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("alpha beta gamma delta epsilon zeta\n")
	}
	text := b.String()
	pieces := splitMarkdown(text, ChunkOptions{TokenBudget: 40, OverlapTokens: 4})

	var rebuilt strings.Builder
	for i, p := range pieces {
		if i == 0 {
			rebuilt.WriteString(p.Text)
			continue
		}
		rebuilt.WriteString(p.Text[p.overlapLen:])
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplitMarkdown_HardSplitsLongLines(t *testing.T) {
	opts := ChunkOptions{TokenBudget: 25, OverlapTokens: 0} // 100 chars
	long := strings.Repeat("x", 350)
	pieces := splitMarkdown(long, opts)

	require.GreaterOrEqual(t, len(pieces), 4)
	var rebuilt strings.Builder
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), opts.charBudget())
		assert.Equal(t, 1, p.StartLine)
		rebuilt.WriteString(p.Text)
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestSplitMarkdown_HardSplitPreservesRunes(t *testing.T) {
	opts := ChunkOptions{TokenBudget: 25, OverlapTokens: 3} // 100-char budget
	long := strings.Repeat("héllo wörld ", 40)              // multi-byte runes throughout
	pieces := splitMarkdown(long, opts)

	require.NotEmpty(t, pieces)
	var rebuilt strings.Builder
	for _, p := range pieces {
		assert.True(t, utf8.ValidString(p.Text), "chunk text must be valid UTF-8")
		rebuilt.WriteString(p.Text[p.overlapLen:])
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestSplitMarkdown_DeterministicHashes(t *testing.T) {
	text := "# Notes\n\nremember the deadline is friday\n"
	first := splitMarkdown(text, DefaultChunkOptions())
	second := splitMarkdown(text, DefaultChunkOptions())

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
	}
}

func TestSplitMarkdown_OverlapClampedToBudget(t *testing.T) {
	// Overlap larger than the budget must not produce runaway chunks.
	opts := ChunkOptions{TokenBudget: 10, OverlapTokens: 100}
	text := strings.Repeat("word word word word\n", 20)
	pieces := splitMarkdown(text, opts)

	require.NotEmpty(t, pieces)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), opts.charBudget()+opts.charBudget()/4)
	}
}

func TestChunkID(t *testing.T) {
	id := chunkID("memory/notes.md", 3, "abcdef123456")
	assert.Equal(t, "memory/notes.md#3-abcdef123456", id)
}

func TestSessionPath(t *testing.T) {
	assert.Equal(t, "memory/sessions/telegram-42.md", sessionPath("telegram", "42"))
}
