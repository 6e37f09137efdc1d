package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// ChunkOptions controls how markdown content is split before indexing.
// Token counts are approximated as 4 characters per token.
type ChunkOptions struct {
	TokenBudget   int // max tokens per chunk
	OverlapTokens int // tokens carried over between adjacent chunks
}

// DefaultChunkOptions returns the chunking defaults used by the sync engine.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		TokenBudget:   250,
		OverlapTokens: 12,
	}
}

func (o ChunkOptions) charBudget() int {
	if o.TokenBudget <= 0 {
		o = DefaultChunkOptions()
	}
	return o.TokenBudget * 4
}

func (o ChunkOptions) overlapChars() int {
	if o.OverlapTokens < 0 {
		return 0
	}
	return o.OverlapTokens * 4
}

// chunkPiece is a chunker output before ids and embeddings are attached.
// overlapLen is the number of leading characters duplicated from the
// previous chunk; stripping it from every piece after the first
// reconstructs the original text.
type chunkPiece struct {
	Text       string
	StartLine  int
	EndLine    int
	Hash       string
	overlapLen int
}

// textUnit is a slice of the source text that is never split further.
// Concatenating all units reproduces the input exactly.
type textUnit struct {
	text string
	line int
}

// splitUnits breaks text into per-line units, hard-splitting lines longer
// than the character budget.
func splitUnits(text string, budget int) []textUnit {
	lines := strings.Split(text, "\n")
	units := make([]textUnit, 0, len(lines))
	for i, line := range lines {
		if i < len(lines)-1 {
			line += "\n"
		} else if line == "" {
			// Trailing newline already attached to the previous unit.
			continue
		}
		for len(line) > budget {
			cut := cutIndex(line, budget)
			units = append(units, textUnit{text: line[:cut], line: i + 1})
			line = line[cut:]
		}
		units = append(units, textUnit{text: line, line: i + 1})
	}
	return units
}

// splitMarkdown splits markdown text into overlapping, line-addressed
// chunks. Lines accumulate into a buffer; when the buffer would exceed the
// character budget it is flushed and the next buffer is seeded with a
// trailing slice of the previous one. Empty input yields no chunks.
func splitMarkdown(text string, opts ChunkOptions) []chunkPiece {
	if text == "" {
		return nil
	}

	budget := opts.charBudget()
	overlap := opts.overlapChars()
	if overlap >= budget {
		overlap = budget / 4
	}

	units := splitUnits(text, budget)

	var pieces []chunkPiece
	var buf strings.Builder
	startLine := 0
	endLine := 0
	carry := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		pieces = append(pieces, chunkPiece{
			Text:       buf.String(),
			StartLine:  startLine,
			EndLine:    endLine,
			Hash:       contentHash(buf.String()),
			overlapLen: carry,
		})
	}

	for _, u := range units {
		if buf.Len() > 0 && buf.Len()+len(u.text) > budget {
			flush()
			tail := buf.String()
			if len(tail) > overlap {
				cut := len(tail) - overlap
				for cut < len(tail) && !utf8.RuneStart(tail[cut]) {
					cut++
				}
				tail = tail[cut:]
			}
			buf.Reset()
			buf.WriteString(tail)
			carry = len(tail)
			startLine = u.line
		}
		if buf.Len() == 0 && carry == 0 {
			startLine = u.line
		}
		buf.WriteString(u.text)
		endLine = u.line
	}
	flush()

	return pieces
}

// cutIndex returns the largest index no greater than n that does not
// split a multi-byte rune.
func cutIndex(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// contentHash returns the first 12 hex characters of the SHA-256 of text.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}
