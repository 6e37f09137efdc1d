package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider is a deterministic in-process embedding provider with
// call counting and scriptable batch failures.
type mockProvider struct {
	mu          sync.Mutex
	batchCalls  int
	queryCalls  int
	batchTexts  []string
	failBatches int // fail this many batch calls before succeeding
	failQueries bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{}
}

func (m *mockProvider) Model() string { return "mock-model" }

func (m *mockProvider) embed(text string) []float32 {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r)
	}
	return normalize(vec)
}

func (m *mockProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.failQueries {
		return nil, errors.New("embedding backend down")
	}
	return m.embed(text), nil
}

func (m *mockProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if m.failBatches > 0 {
		m.failBatches--
		return nil, errors.New("embedding backend down")
	}
	m.batchTexts = append(m.batchTexts, texts...)
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = m.embed(t)
	}
	return vectors, nil
}

func (m *mockProvider) stats() (batch, query int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchCalls, m.queryCalls
}

func createTestEngine(t *testing.T, provider Provider) (*Engine, *Store, string) {
	t.Helper()
	workspace := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	store, err := OpenStore(filepath.Join(workspace, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewEngine(store, provider, workspace, ChunkOptions{}, logger), store, workspace
}

func writeWorkspaceFile(t *testing.T, workspace, relPath, content string) {
	t.Helper()
	abs := filepath.Join(workspace, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func appendWorkspaceFile(t *testing.T, workspace, relPath, content string) {
	t.Helper()
	abs := filepath.Join(workspace, filepath.FromSlash(relPath))
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestSync_EmptyWorkspace(t *testing.T) {
	e, store, _ := createTestEngine(t, nil)

	require.NoError(t, e.Sync(context.Background(), false))
	assert.Equal(t, 0, store.FileCount())
	assert.Equal(t, 0, store.ChunkCount())
	assert.False(t, e.Dirty())
	assert.False(t, e.LastSync().IsZero())
}

func TestSync_IndexesMemoryFiles(t *testing.T) {
	e, store, workspace := createTestEngine(t, nil)

	writeWorkspaceFile(t, workspace, "MEMORY.md", "# Memory\n\ncore instructions\n")
	writeWorkspaceFile(t, workspace, "memory/notes.md", "project deadline is friday\n")
	writeWorkspaceFile(t, workspace, "memory/ignore.txt", "not markdown\n")

	require.NoError(t, e.Sync(context.Background(), false))
	assert.Equal(t, 2, store.FileCount())
	assert.GreaterOrEqual(t, store.ChunkCount(), 2)

	_, ok := store.GetFile("MEMORY.md")
	assert.True(t, ok)
	_, ok = store.GetFile("memory/notes.md")
	assert.True(t, ok)
	_, ok = store.GetFile("memory/ignore.txt")
	assert.False(t, ok)
}

func TestSync_UnchangedFileSkipsEmbedding(t *testing.T) {
	provider := newMockProvider()
	e, _, workspace := createTestEngine(t, provider)

	writeWorkspaceFile(t, workspace, "memory/notes.md", "stable content\n")
	require.NoError(t, e.Sync(context.Background(), false))
	batchesAfterFirst, _ := provider.stats()
	require.Greater(t, batchesAfterFirst, 0)

	require.NoError(t, e.Sync(context.Background(), false))
	batchesAfterSecond, queries := provider.stats()
	assert.Equal(t, batchesAfterFirst, batchesAfterSecond)
	assert.Zero(t, queries)
}

func TestSync_ForceReindexesUnchangedFiles(t *testing.T) {
	provider := newMockProvider()
	e, store, workspace := createTestEngine(t, provider)

	writeWorkspaceFile(t, workspace, "memory/notes.md", "stable content\n")
	require.NoError(t, e.Sync(context.Background(), false))
	require.NoError(t, e.Sync(context.Background(), true))

	// Forced runs re-chunk but still hit the embedding cache.
	batches, _ := provider.stats()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, store.FileCount())
}

func TestSync_SessionAppendIndexesOnlyNewContent(t *testing.T) {
	provider := newMockProvider()
	e, store, workspace := createTestEngine(t, provider)

	first := formatTranscriptBlock(Message{Role: "user", Content: "first question about budget"}, "")
	writeWorkspaceFile(t, workspace, "memory/sessions/cli-1.md", first)
	require.NoError(t, e.Sync(context.Background(), false))
	chunksAfterFirst := store.ChunkCountByPath("memory/sessions/cli-1.md")
	require.Greater(t, chunksAfterFirst, 0)

	appended := formatTranscriptBlock(Message{Role: "assistant", Content: "the budget answer is forty"}, "")
	appendWorkspaceFile(t, workspace, "memory/sessions/cli-1.md", appended)
	require.NoError(t, e.Sync(context.Background(), false))

	assert.Greater(t, store.ChunkCountByPath("memory/sessions/cli-1.md"), chunksAfterFirst)

	// Only the appended block went through the embedder on the second run.
	provider.mu.Lock()
	texts := strings.Join(provider.batchTexts, "\n")
	provider.mu.Unlock()
	assert.Equal(t, 1, strings.Count(texts, "first question about budget"))
	assert.Contains(t, texts, "the budget answer is forty")
}

func TestSync_SessionTruncationForcesFullReindex(t *testing.T) {
	e, store, workspace := createTestEngine(t, nil)
	path := "memory/sessions/cli-2.md"

	writeWorkspaceFile(t, workspace, path,
		formatTranscriptBlock(Message{Role: "user", Content: "one"}, "")+
			formatTranscriptBlock(Message{Role: "user", Content: "two"}, ""))
	require.NoError(t, e.Sync(context.Background(), false))

	writeWorkspaceFile(t, workspace, path, formatTranscriptBlock(Message{Role: "user", Content: "rewritten"}, ""))
	require.NoError(t, e.Sync(context.Background(), false))

	hits, err := store.KeywordQuery(sanitizeFTSQuery("rewritten"), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	hits, err = store.KeywordQuery(sanitizeFTSQuery("two"), 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSync_BatchFailureFallsBackToSingleItems(t *testing.T) {
	provider := newMockProvider()
	provider.failBatches = 10 // every batch call fails
	e, store, workspace := createTestEngine(t, provider)

	writeWorkspaceFile(t, workspace, "memory/a.md", "first file content\n")
	writeWorkspaceFile(t, workspace, "memory/b.md", "second file content\n")
	writeWorkspaceFile(t, workspace, "memory/c.md", "third file content\n")

	require.NoError(t, e.Sync(context.Background(), false))

	// All files indexed despite embedding failures.
	assert.Equal(t, 3, store.FileCount())

	// After two failed batches the run degrades to per-item embedding,
	// so the third file's chunks carry vectors.
	batches, queries := provider.stats()
	assert.Equal(t, 2, batches)
	assert.Greater(t, queries, 0)

	chunks, err := store.ScanEmbeddings("mock-model")
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestSync_PerItemFailureIndexesWithoutVector(t *testing.T) {
	provider := newMockProvider()
	provider.failBatches = 10
	provider.failQueries = true
	e, store, workspace := createTestEngine(t, provider)

	writeWorkspaceFile(t, workspace, "memory/a.md", "alpha\n")
	writeWorkspaceFile(t, workspace, "memory/b.md", "beta\n")
	writeWorkspaceFile(t, workspace, "memory/c.md", "gamma\n")

	require.NoError(t, e.Sync(context.Background(), false))
	assert.Equal(t, 3, store.FileCount())

	chunks, err := store.ScanEmbeddings("mock-model")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// Keyword search still works on the vectorless index.
	hits, err := store.KeywordQuery(sanitizeFTSQuery("gamma"), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSync_DegradationResetsBetweenRuns(t *testing.T) {
	provider := newMockProvider()
	provider.failBatches = 10
	e, _, workspace := createTestEngine(t, provider)

	writeWorkspaceFile(t, workspace, "memory/a.md", "alpha\n")
	writeWorkspaceFile(t, workspace, "memory/b.md", "beta\n")
	writeWorkspaceFile(t, workspace, "memory/c.md", "gamma\n")
	require.NoError(t, e.Sync(context.Background(), false))
	batchesFirst, _ := provider.stats()
	require.Equal(t, 2, batchesFirst)

	// Backend recovered: the next run tries batching again.
	provider.mu.Lock()
	provider.failBatches = 0
	provider.mu.Unlock()

	writeWorkspaceFile(t, workspace, "memory/d.md", "delta\n")
	require.NoError(t, e.Sync(context.Background(), false))
	batchesSecond, _ := provider.stats()
	assert.Equal(t, 3, batchesSecond)
}

func TestSync_PrunesDeletedFiles(t *testing.T) {
	e, store, workspace := createTestEngine(t, nil)

	writeWorkspaceFile(t, workspace, "memory/keep.md", "kept content\n")
	writeWorkspaceFile(t, workspace, "memory/gone.md", "doomed content\n")
	require.NoError(t, e.Sync(context.Background(), false))
	require.Equal(t, 2, store.FileCount())

	require.NoError(t, os.Remove(filepath.Join(workspace, "memory", "gone.md")))
	require.NoError(t, e.Sync(context.Background(), false))

	assert.Equal(t, 1, store.FileCount())
	hits, err := store.KeywordQuery(sanitizeFTSQuery("doomed"), 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSync_PerFileErrorIsolation(t *testing.T) {
	e, store, workspace := createTestEngine(t, nil)

	writeWorkspaceFile(t, workspace, "memory/good.md", "readable content\n")
	unreadable := filepath.Join(workspace, "memory", "bad.md")
	writeWorkspaceFile(t, workspace, "memory/bad.md", "secret\n")
	require.NoError(t, os.Chmod(unreadable, 0o000))
	t.Cleanup(func() { os.Chmod(unreadable, 0o644) })

	require.NoError(t, e.Sync(context.Background(), false))
	_, ok := store.GetFile("memory/good.md")
	assert.True(t, ok)
}

func TestSync_CollapsesConcurrentCalls(t *testing.T) {
	e, _, workspace := createTestEngine(t, nil)
	writeWorkspaceFile(t, workspace, "memory/notes.md", "content\n")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Sync(context.Background(), false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.False(t, e.Syncing())
}

func TestSync_WritesSessionSummary(t *testing.T) {
	e, _, workspace := createTestEngine(t, nil)
	path := "memory/sessions/cli-3.md"

	writeWorkspaceFile(t, workspace, path,
		formatTranscriptBlock(Message{Role: "user", Content: "summarize me", Timestamp: time.Now()}, ""))
	require.NoError(t, e.Sync(context.Background(), false))

	summary, err := os.ReadFile(filepath.Join(workspace, "memory", "summaries", "cli-3.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "# Session summary: cli-3")
	assert.Contains(t, string(summary), "- user: summarize me")
}

func TestMarkDirty(t *testing.T) {
	e, _, _ := createTestEngine(t, nil)

	require.NoError(t, e.Sync(context.Background(), false))
	assert.False(t, e.Dirty())

	e.MarkDirty()
	assert.True(t, e.Dirty())
}
