package memory

import "strings"

// stopWords are common words filtered out during keyword extraction.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "its": true, "let": true, "may": true, "who": true,
	"did": true, "get": true, "got": true, "him": true, "his": true,
	"how": true, "now": true, "see": true, "way": true, "too": true,
	"use": true, "that": true, "with": true, "have": true, "this": true,
	"will": true, "your": true, "from": true, "they": true, "been": true,
	"said": true, "each": true, "which": true, "their": true, "what": true,
	"about": true, "would": true, "there": true, "when": true, "make": true,
	"like": true, "just": true, "know": true, "take": true, "come": true,
	"could": true, "than": true, "look": true, "only": true, "into": true,
	"over": true, "such": true, "also": true, "back": true, "some": true,
	"them": true, "then": true, "these": true, "thing": true, "where": true,
	"much": true, "should": true, "well": true, "after": true, "tell": true,
	"please": true, "remember": true, "anything": true, "something": true,
}

// extractKeywords pulls salient terms from a conversational query by
// dropping stop words and short tokens, improving FTS matching on
// phrasing like "do you remember what I said about the deadline".
func extractKeywords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var keywords []string
	seen := make(map[string]bool)
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]{}*`")
		if len(w) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}

// sanitizeFTSQuery strips FTS5 operators and quotes the query as a phrase
// literal, so user input can never inject match syntax.
func sanitizeFTSQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^', ':', '{', '}':
			return ' '
		default:
			return r
		}
	}, query)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	return `"` + cleaned + `"`
}

// andFTSQuery builds an AND match over the query's individual terms, each
// quoted as its own phrase literal. Unlike the single-phrase form this
// matches chunks containing all terms regardless of adjacency.
func andFTSQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(query) {
		if t := sanitizeFTSQuery(w); t != "" {
			terms = append(terms, t)
		}
	}
	return strings.Join(terms, " AND ")
}
