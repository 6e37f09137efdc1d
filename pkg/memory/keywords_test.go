package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords("Do you remember what I said about the project deadline?")
	assert.Equal(t, []string{"project", "deadline"}, keywords)
}

func TestExtractKeywords_Dedup(t *testing.T) {
	keywords := extractKeywords("deadline deadline DEADLINE")
	assert.Equal(t, []string{"deadline"}, keywords)
}

func TestExtractKeywords_ShortTokensDropped(t *testing.T) {
	keywords := extractKeywords("go to db at 9")
	assert.Empty(t, keywords)
}

func TestAndFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"multiple terms", "project deadline friday", `"project" AND "deadline" AND "friday"`},
		{"single term", "deadline", `"deadline"`},
		{"operators stripped per term", `dead*line col:umn`, `"dead line" AND "col umn"`},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, andFTSQuery(tt.input))
		})
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "project deadline", `"project deadline"`},
		{"operators stripped", `dead*line "quoted" (group) col:umn`, `"dead line quoted group col umn"`},
		{"whitespace collapsed", "  a\t b  ", `"a b"`},
		{"empty", "", ""},
		{"only operators", `*"()`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFTSQuery(tt.input))
		})
	}
}
