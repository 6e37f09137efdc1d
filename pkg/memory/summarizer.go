package memory

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const (
	summaryEntries   = 12
	summaryLineWidth = 120
)

// Summarizer derives a rolling per-session summary file after each sync
// of a session transcript. Summaries live under memory/summaries/ and get
// indexed like any other memory file, which makes recent conversations
// easy to boost at query time.
type Summarizer struct {
	workspace string
	logger    zerolog.Logger
}

// NewSummarizer creates a summarizer rooted at the workspace.
func NewSummarizer(workspace string, logger zerolog.Logger) *Summarizer {
	return &Summarizer{workspace: workspace, logger: logger}
}

// Refresh regenerates the summary for one session transcript path
// (workspace-relative). The summary file is only rewritten when its
// content actually changed, keeping summary-based boosting stable.
func (s *Summarizer) Refresh(transcriptPath string) error {
	raw, err := os.ReadFile(filepath.Join(s.workspace, filepath.FromSlash(transcriptPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sessionID := strings.TrimSuffix(filepath.Base(transcriptPath), ".md")
	summary := renderSummary(sessionID, string(raw))

	outPath := filepath.Join(s.workspace, "memory", "summaries", sessionID+".md")
	existing, err := os.ReadFile(outPath)
	if err == nil && bytes.Equal(existing, []byte(summary)) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(summary), 0o644); err != nil {
		return err
	}

	s.logger.Debug().Str("session", sessionID).Msg("Session summary refreshed")
	return nil
}

// renderSummary renders the last summaryEntries transcript blocks as
// one-line bullets.
func renderSummary(sessionID, transcript string) string {
	entries := lastEntries(parseTranscript(transcript), summaryEntries)

	var b strings.Builder
	fmt.Fprintf(&b, "# Session summary: %s\n\n", sessionID)
	for _, e := range entries {
		line := strings.Join(strings.Fields(e.Content), " ")
		if len(line) > summaryLineWidth {
			line = line[:summaryLineWidth] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Role, line)
	}
	return b.String()
}
