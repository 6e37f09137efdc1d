package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSummarizer(t *testing.T) (*Summarizer, string) {
	t.Helper()
	workspace := t.TempDir()
	return NewSummarizer(workspace, zerolog.New(os.Stdout).Level(zerolog.Disabled)), workspace
}

func writeTranscript(t *testing.T, workspace, relPath string, turns int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < turns; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		b.WriteString(formatTranscriptBlock(Message{
			Role:      role,
			Content:   "turn number " + string(rune('0'+i%10)),
			Timestamp: time.Now(),
		}, ""))
	}
	writeWorkspaceFile(t, workspace, relPath, b.String())
}

func TestSummarizer_Refresh(t *testing.T) {
	s, workspace := createTestSummarizer(t)
	writeTranscript(t, workspace, "memory/sessions/cli-1.md", 3)

	require.NoError(t, s.Refresh("memory/sessions/cli-1.md"))

	raw, err := os.ReadFile(filepath.Join(workspace, "memory", "summaries", "cli-1.md"))
	require.NoError(t, err)
	summary := string(raw)
	assert.Contains(t, summary, "# Session summary: cli-1")
	assert.Equal(t, 3, strings.Count(summary, "- "))
}

func TestSummarizer_KeepsLastTwelveEntries(t *testing.T) {
	s, workspace := createTestSummarizer(t)
	writeTranscript(t, workspace, "memory/sessions/cli-2.md", 20)

	require.NoError(t, s.Refresh("memory/sessions/cli-2.md"))

	raw, err := os.ReadFile(filepath.Join(workspace, "memory", "summaries", "cli-2.md"))
	require.NoError(t, err)
	assert.Equal(t, summaryEntries, strings.Count(string(raw), "- "))
}

func TestSummarizer_SkipsUnchangedWrite(t *testing.T) {
	s, workspace := createTestSummarizer(t)
	writeTranscript(t, workspace, "memory/sessions/cli-3.md", 2)

	require.NoError(t, s.Refresh("memory/sessions/cli-3.md"))
	outPath := filepath.Join(workspace, "memory", "summaries", "cli-3.md")
	first, err := os.Stat(outPath)
	require.NoError(t, err)

	// Backdate the summary so a rewrite would be observable.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(outPath, old, old))

	require.NoError(t, s.Refresh("memory/sessions/cli-3.md"))
	second, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.True(t, second.ModTime().Before(first.ModTime()))
}

func TestSummarizer_MissingTranscript(t *testing.T) {
	s, _ := createTestSummarizer(t)
	assert.NoError(t, s.Refresh("memory/sessions/absent-1.md"))
}

func TestSummarizer_TruncatesLongLines(t *testing.T) {
	s, workspace := createTestSummarizer(t)
	long := strings.Repeat("verbose ", 60)
	writeWorkspaceFile(t, workspace, "memory/sessions/cli-4.md",
		formatTranscriptBlock(Message{Role: "user", Content: long, Timestamp: time.Now()}, ""))

	require.NoError(t, s.Refresh("memory/sessions/cli-4.md"))

	raw, err := os.ReadFile(filepath.Join(workspace, "memory", "summaries", "cli-4.md"))
	require.NoError(t, err)
	for _, line := range strings.Split(string(raw), "\n") {
		assert.LessOrEqual(t, len(line), summaryLineWidth+len("- assistant: ")+3)
	}
}
