package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"mnemo/internal/observability"
	"mnemo/internal/tracing"
)

// batchFailureLimit is the number of consecutive batch embedding failures
// after which a sync run switches to one-item-at-a-time embedding.
const batchFailureLimit = 2

// Engine discovers memory files, detects changes and keeps the store
// synchronized. A single sync run is in flight at any time; concurrent
// Sync calls attach to the running pass instead of starting another.
type Engine struct {
	store     *Store
	provider  Provider // nil when running keyword-only
	workspace string
	logger    zerolog.Logger
	chunkOpts ChunkOptions

	mu       sync.Mutex
	syncing  bool
	waiters  []chan error
	dirty    bool
	lastSync time.Time
	deltas   map[string]sessionDelta

	summarizer *Summarizer
}

// NewEngine creates a sync engine over a workspace directory. The provider
// may be nil; every vector code path is then a no-op.
func NewEngine(store *Store, provider Provider, workspace string, opts ChunkOptions, logger zerolog.Logger) *Engine {
	if opts.TokenBudget <= 0 {
		opts = DefaultChunkOptions()
	}
	return &Engine{
		store:      store,
		provider:   provider,
		workspace:  workspace,
		logger:     logger,
		chunkOpts:  opts,
		dirty:      true, // start dirty to trigger the initial sync
		deltas:     make(map[string]sessionDelta),
		summarizer: NewSummarizer(workspace, logger),
	}
}

// MarkDirty flags the index as needing a sync before the next search.
func (e *Engine) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Dirty reports whether the index has pending changes.
func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// LastSync returns the completion time of the most recent sync run.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Syncing reports whether a sync run is currently in flight.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Sync brings the index up to date with the workspace. Overlapping calls
// collapse into the single in-flight run: a caller invoking Sync while one
// is running receives that run's result.
func (e *Engine) Sync(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.syncing {
		ch := make(chan error, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		return <-ch
	}
	e.syncing = true
	e.mu.Unlock()

	err := e.runSync(ctx, force)

	e.mu.Lock()
	e.syncing = false
	e.dirty = false
	e.lastSync = time.Now()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// syncRun carries per-run state, including the embedding failure machine.
type syncRun struct {
	id            string
	force         bool
	batchFailures int
	degraded      bool
	embedCalls    int
	filesIndexed  int
	filesSkipped  int
	chunksCreated int
	sessions      []string // session paths that changed this run
}

func (e *Engine) runSync(ctx context.Context, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.sync")
	defer span.End()

	runID, _ := gonanoid.New()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("sync_run", runID).Logger()

	start := time.Now()
	defer func() { observability.RecordMemorySync(time.Since(start)) }()

	run := &syncRun{id: runID, force: force}

	files, err := e.discoverFiles()
	if err != nil {
		return err
	}

	for _, relPath := range files {
		if err := e.processFile(ctx, run, relPath, logger); err != nil {
			logger.Warn().Err(err).Str("file", relPath).Msg("Failed to index file")
			span.RecordError(err)
		}
	}

	pruned := e.pruneDeletedFiles(files, logger)

	// Regenerate rolling summaries for sessions touched this run.
	for _, relPath := range run.sessions {
		if err := e.summarizer.Refresh(relPath); err != nil {
			logger.Warn().Err(err).Str("file", relPath).Msg("Failed to refresh session summary")
		}
	}

	logger.Info().
		Int("files_indexed", run.filesIndexed).
		Int("files_skipped", run.filesSkipped).
		Int("chunks_created", run.chunksCreated).
		Int("files_pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Sync completed")

	observability.SetMemoryChunks(e.store.ChunkCount())
	return nil
}

// discoverFiles lists workspace-relative paths of every indexable file:
// a top-level MEMORY.md / memory.md plus memory/**/*.md.
func (e *Engine) discoverFiles() ([]string, error) {
	var files []string

	for _, name := range []string{"MEMORY.md", "memory.md"} {
		if info, err := os.Stat(filepath.Join(e.workspace, name)); err == nil && !info.IsDir() {
			files = append(files, name)
			break
		}
	}

	memDir := filepath.Join(e.workspace, "memory")
	err := filepath.WalkDir(memDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		rel, err := filepath.Rel(e.workspace, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func sourceForPath(relPath string) string {
	if strings.HasPrefix(relPath, "memory/sessions/") {
		return SourceSessions
	}
	return SourceMemory
}

// processFile syncs one discovered file. Session transcripts take the
// incremental append path when a delta is known; everything else is
// hash-compared and fully re-indexed on change.
func (e *Engine) processFile(ctx context.Context, run *syncRun, relPath string, logger zerolog.Logger) error {
	absPath := filepath.Join(e.workspace, filepath.FromSlash(relPath))
	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}

	isSession := sourceForPath(relPath) == SourceSessions

	if isSession && !run.force {
		if delta, ok := e.deltas[relPath]; ok {
			switch {
			case info.Size() == delta.Size:
				run.filesSkipped++
				return nil
			case info.Size() > delta.Size:
				return e.indexSessionAppend(ctx, run, relPath, absPath, info, delta, logger)
			default:
				// File shrank: treated as truncated, fall through to a
				// full re-index.
				logger.Debug().Str("file", relPath).Msg("Session file truncated, re-indexing")
			}
		}
	}

	return e.indexFull(ctx, run, relPath, absPath, info, logger)
}

// indexFull re-chunks a whole file, replacing all of its chunk rows.
func (e *Engine) indexFull(ctx context.Context, run *syncRun, relPath, absPath string, info os.FileInfo, logger zerolog.Logger) error {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return err
	}

	hash := fullHash(content)
	if !run.force {
		if existing, ok := e.store.GetFile(relPath); ok && existing.Hash == hash {
			run.filesSkipped++
			e.seedSessionDelta(relPath, content)
			return nil
		}
	}

	pieces := splitMarkdown(string(content), e.chunkOpts)
	chunks := e.buildChunks(ctx, run, relPath, pieces, 0, 0, logger)

	if err := e.store.ReplaceChunks(relPath, chunks); err != nil {
		return err
	}
	if err := e.store.UpsertFile(FileEntry{
		Path:  relPath,
		Hash:  hash,
		MTime: info.ModTime().Unix(),
		Size:  info.Size(),
	}); err != nil {
		return err
	}

	run.filesIndexed++
	run.chunksCreated += len(chunks)

	if sourceForPath(relPath) == SourceSessions {
		e.deltas[relPath] = sessionDelta{
			Size:      info.Size(),
			Lines:     strings.Count(string(content), "\n"),
			NextChunk: len(chunks),
		}
		run.sessions = append(run.sessions, relPath)
	}
	return nil
}

// indexSessionAppend chunks and embeds only the byte range appended since
// the last sync of a session transcript.
func (e *Engine) indexSessionAppend(ctx context.Context, run *syncRun, relPath, absPath string, info os.FileInfo, delta sessionDelta, logger zerolog.Logger) error {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return err
	}
	if int64(len(content)) <= delta.Size {
		// Raced with a concurrent truncate; next run re-evaluates.
		run.filesSkipped++
		return nil
	}

	appended := string(content[delta.Size:])
	pieces := splitMarkdown(appended, e.chunkOpts)
	chunks := e.buildChunks(ctx, run, relPath, pieces, delta.Lines, delta.NextChunk, logger)

	if err := e.store.AppendChunks(chunks); err != nil {
		return err
	}
	if err := e.store.UpsertFile(FileEntry{
		Path:  relPath,
		Hash:  fullHash(content),
		MTime: info.ModTime().Unix(),
		Size:  info.Size(),
	}); err != nil {
		return err
	}

	e.deltas[relPath] = sessionDelta{
		Size:      int64(len(content)),
		Lines:     delta.Lines + strings.Count(appended, "\n"),
		NextChunk: delta.NextChunk + len(chunks),
	}
	run.filesIndexed++
	run.chunksCreated += len(chunks)
	run.sessions = append(run.sessions, relPath)
	return nil
}

// seedSessionDelta establishes an append baseline for a session file that
// was found unchanged, so the next append takes the incremental path.
func (e *Engine) seedSessionDelta(relPath string, content []byte) {
	if sourceForPath(relPath) != SourceSessions {
		return
	}
	if _, ok := e.deltas[relPath]; ok {
		return
	}
	e.deltas[relPath] = sessionDelta{
		Size:      int64(len(content)),
		Lines:     strings.Count(string(content), "\n"),
		NextChunk: e.store.ChunkCountByPath(relPath),
	}
}

// buildChunks turns chunker output into store rows, attaching embeddings.
// lineOffset and indexOffset shift line numbers and chunk indices for the
// incremental session path.
func (e *Engine) buildChunks(ctx context.Context, run *syncRun, relPath string, pieces []chunkPiece, lineOffset, indexOffset int, logger zerolog.Logger) []Chunk {
	model := ""
	if e.provider != nil {
		model = e.provider.Model()
	}

	now := time.Now()
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:        chunkID(relPath, indexOffset+i, p.Hash),
			Path:      relPath,
			Source:    sourceForPath(relPath),
			StartLine: lineOffset + p.StartLine,
			EndLine:   lineOffset + p.EndLine,
			Hash:      p.Hash,
			Model:     model,
			Text:      p.Text,
			UpdatedAt: now,
		}
	}

	e.embedChunks(ctx, run, chunks, logger)
	return chunks
}

// embedChunks fills in embeddings for chunks that miss the cache. Batch
// embedding is attempted first; after batchFailureLimit consecutive batch
// failures the rest of the run embeds one item at a time. Chunks whose
// embedding fails are indexed without a vector.
func (e *Engine) embedChunks(ctx context.Context, run *syncRun, chunks []Chunk, logger zerolog.Logger) {
	if e.provider == nil || len(chunks) == 0 {
		return
	}
	model := e.provider.Model()

	var missing []int
	for i := range chunks {
		if emb, ok := e.store.CachedEmbedding(chunks[i].Hash, model); ok {
			chunks[i].Embedding = emb
			observability.RecordEmbeddingCache(true)
			continue
		}
		observability.RecordEmbeddingCache(false)
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return
	}

	if !run.degraded {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = chunks[i].Text
		}
		run.embedCalls++
		vectors, err := e.provider.EmbedBatch(ctx, texts)
		if err == nil && len(vectors) == len(missing) {
			run.batchFailures = 0
			for j, i := range missing {
				chunks[i].Embedding = vectors[j]
				e.store.CacheEmbedding(chunks[i].Hash, model, vectors[j])
			}
			return
		}

		run.batchFailures++
		observability.RecordEmbeddingFailure()
		logger.Warn().Err(err).Int("failures", run.batchFailures).Msg("Batch embedding failed")
		if run.batchFailures >= batchFailureLimit {
			run.degraded = true
			logger.Warn().Msg("Falling back to single-item embedding for this sync run")
		} else {
			return // chunks from this batch go in without vectors
		}
	}

	for _, i := range missing {
		run.embedCalls++
		vec, err := e.provider.EmbedQuery(ctx, chunks[i].Text)
		if err != nil {
			observability.RecordEmbeddingFailure()
			logger.Warn().Err(err).Str("chunk", chunks[i].ID).Msg("Embedding failed, indexing without vector")
			continue
		}
		chunks[i].Embedding = vec
		e.store.CacheEmbedding(chunks[i].Hash, model, vec)
	}
}

// pruneDeletedFiles drops index rows for files no longer on disk.
func (e *Engine) pruneDeletedFiles(existing []string, logger zerolog.Logger) int {
	keep := make(map[string]bool, len(existing))
	for _, p := range existing {
		keep[p] = true
	}

	indexed, err := e.store.ListFiles()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list indexed files")
		return 0
	}

	pruned := 0
	for _, path := range indexed {
		if keep[path] {
			continue
		}
		if err := e.store.DeleteFile(path); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Failed to prune deleted file")
			continue
		}
		delete(e.deltas, path)
		pruned++
	}
	return pruned
}

// fullHash returns the hex SHA-256 of a file's content.
func fullHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
