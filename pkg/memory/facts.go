package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const factsFile = "memory/facts.md"

// factLine renders one fact-store line.
func factLine(userID, fact string) string {
	return fmt.Sprintf("- User %s: %s", userID, fact)
}

// normalizeFact canonicalizes a fact line for deduplication: whitespace
// collapsed, case folded.
func normalizeFact(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), " "))
}

// appendFact adds a fact line to the store unless an equivalent line is
// already present.
func appendFact(workspace, userID, fact string) error {
	fact = strings.TrimSpace(fact)
	if userID == "" || fact == "" {
		return fmt.Errorf("user id and fact are required")
	}

	path := filepath.Join(workspace, filepath.FromSlash(factsFile))
	line := factLine(userID, fact)
	norm := normalizeFact(line)

	existing, err := os.ReadFile(path)
	if err == nil {
		for _, l := range strings.Split(string(existing), "\n") {
			if normalizeFact(l) == norm {
				return nil
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		line = "\n" + line
	}
	_, err = f.WriteString(line + "\n")
	return err
}

// loadFacts reads the fact store and returns lines mentioning the given
// user id and/or chat id, merged without duplicates. A missing store is
// empty, not an error.
func loadFacts(workspace, userID, chatID string) []string {
	raw, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(factsFile)))
	if err != nil {
		return nil
	}

	var facts []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "- ") {
			continue
		}
		matched := false
		if userID != "" && strings.Contains(line, "User "+userID+":") {
			matched = true
		}
		if !matched && chatID != "" && strings.Contains(line, chatID) {
			matched = true
		}
		if !matched {
			continue
		}
		norm := normalizeFact(line)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		facts = append(facts, line)
	}
	return facts
}
