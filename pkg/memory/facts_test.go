package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFact_CreatesStore(t *testing.T) {
	workspace := t.TempDir()

	require.NoError(t, appendFact(workspace, "u1", "prefers dark mode"))

	raw, err := os.ReadFile(filepath.Join(workspace, "memory", "facts.md"))
	require.NoError(t, err)
	assert.Equal(t, "- User u1: prefers dark mode\n", string(raw))
}

func TestAppendFact_DeduplicatesNormalized(t *testing.T) {
	workspace := t.TempDir()

	require.NoError(t, appendFact(workspace, "u1", "prefers dark mode"))
	require.NoError(t, appendFact(workspace, "u1", "Prefers   Dark Mode"))
	require.NoError(t, appendFact(workspace, "u1", "lives in Berlin"))

	facts := loadFacts(workspace, "u1", "")
	assert.Len(t, facts, 2)
}

func TestAppendFact_Validation(t *testing.T) {
	workspace := t.TempDir()

	assert.Error(t, appendFact(workspace, "", "fact"))
	assert.Error(t, appendFact(workspace, "u1", "   "))
}

func TestLoadFacts_FiltersByUserAndChat(t *testing.T) {
	workspace := t.TempDir()

	require.NoError(t, appendFact(workspace, "u1", "prefers dark mode"))
	require.NoError(t, appendFact(workspace, "u2", "lives in Berlin"))
	require.NoError(t, appendFact(workspace, "u3", "chat chat42 admin"))

	assert.Len(t, loadFacts(workspace, "u1", ""), 1)
	assert.Len(t, loadFacts(workspace, "u2", ""), 1)
	assert.Len(t, loadFacts(workspace, "u1", "chat42"), 2)
	assert.Empty(t, loadFacts(workspace, "nobody", ""))
}

func TestLoadFacts_MissingStore(t *testing.T) {
	assert.Nil(t, loadFacts(t.TempDir(), "u1", "c1"))
}
