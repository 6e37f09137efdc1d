package memory

import (
	"fmt"
	"strings"
	"time"
)

// Transcript blocks are markdown sections of the form:
//
//	## 2026-03-01T10:15:00Z - user
//	User: u1
//	free text...
//
//	Tool Calls:
//	{"name":"search"}
//
// Only the header line is structural; everything until the next header
// belongs to the block's content.

const (
	transcriptHeader = "## "
	userIDPrefix     = "User: "
	toolCallsLabel   = "Tool Calls:"
	toolResultsLabel = "Tool Results:"
)

// formatTranscriptBlock renders one conversation turn for appending to a
// session transcript.
func formatTranscriptBlock(msg Message, messageID string) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	role := msg.Role
	if role == "" {
		role = "user"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s%s - %s\n", transcriptHeader, ts.UTC().Format(time.RFC3339), role)
	if msg.UserID != "" {
		b.WriteString(userIDPrefix + msg.UserID + "\n")
	}
	if messageID != "" {
		b.WriteString("<!-- id:" + messageID + " -->\n")
	}
	b.WriteString(strings.TrimRight(msg.Content, "\n"))
	b.WriteString("\n")
	if len(msg.ToolCalls) > 0 {
		b.WriteString("\n" + toolCallsLabel + "\n" + string(msg.ToolCalls) + "\n")
	}
	if len(msg.ToolResults) > 0 {
		b.WriteString("\n" + toolResultsLabel + "\n" + string(msg.ToolResults) + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// parseTranscript splits transcript text into role-tagged entries.
// Malformed headers are tolerated: unparseable blocks are skipped.
func parseTranscript(text string) []TranscriptEntry {
	var entries []TranscriptEntry
	var current *TranscriptEntry
	var content strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(content.String())
		entries = append(entries, *current)
		current = nil
		content.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, transcriptHeader) {
			flush()
			ts, role, ok := parseTranscriptHeader(line)
			if !ok {
				continue
			}
			current = &TranscriptEntry{Role: role, Timestamp: ts}
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(line, userIDPrefix) && current.UserID == "" && content.Len() == 0 {
			current.UserID = strings.TrimSpace(strings.TrimPrefix(line, userIDPrefix))
			continue
		}
		if strings.HasPrefix(line, "<!-- id:") {
			continue
		}
		content.WriteString(line)
		content.WriteString("\n")
	}
	flush()

	return entries
}

func parseTranscriptHeader(line string) (time.Time, string, bool) {
	rest := strings.TrimPrefix(line, transcriptHeader)
	idx := strings.Index(rest, " - ")
	if idx < 0 {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rest[:idx]))
	if err != nil {
		return time.Time{}, "", false
	}
	role := strings.TrimSpace(rest[idx+3:])
	if role == "" {
		return time.Time{}, "", false
	}
	return ts, role, true
}

// lastEntries returns the trailing n entries of a transcript.
func lastEntries(entries []TranscriptEntry, n int) []TranscriptEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
