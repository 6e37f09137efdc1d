package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const vectorTable = "chunk_vectors"

// Store owns the relational schema: file metadata, chunks, the FTS5
// keyword index and the optional sqlite-vec vector index. The vector table
// is created lazily once the first embedding's dimensionality is known;
// when the extension is unavailable the store keeps working and search
// falls back to an in-process cosine scan.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	vecMu          sync.Mutex
	vecReady       bool
	vecDim         int
	vecUnavailable bool
}

// OpenStore opens (or creates) the memory database and initializes the
// schema.
func OpenStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.restoreVectorTable()
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			path  TEXT PRIMARY KEY,
			hash  TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			size  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id         TEXT PRIMARY KEY,
			path       TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT 'memory',
			start_line INTEGER NOT NULL,
			end_line   INTEGER NOT NULL,
			hash       TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			embedding  TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
		CREATE INDEX IF NOT EXISTS idx_chunks_model ON chunks(model);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			id UNINDEXED,
			path UNINDEXED,
			source UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			hash       TEXT NOT NULL,
			model      TEXT NOT NULL,
			embedding  TEXT NOT NULL,
			dims       INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (hash, model)
		);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// restoreVectorTable re-opens the vector index created by a previous run.
func (s *Store) restoreVectorTable() {
	var dimStr string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'vector_dim'").Scan(&dimStr)
	if err != nil {
		return
	}
	dim, err := strconv.Atoi(dimStr)
	if err != nil || dim <= 0 {
		return
	}
	if err := s.createVectorTable(dim); err != nil {
		s.vecUnavailable = true
		s.logger.Warn().Err(err).Msg("Vector extension unavailable, using in-process scan")
	}
}

func (s *Store) createVectorTable(dim int) error {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(id TEXT PRIMARY KEY, embedding float[%d] distance_metric=cosine)",
		vectorTable, dim,
	)
	if _, err := s.db.Exec(stmt); err != nil {
		return err
	}
	s.vecReady = true
	s.vecDim = dim
	return nil
}

// ensureVectorTable lazily creates the vector index at the first known
// dimension. A dimension change (new embedding model) drops and recreates
// the table; stale vectors are re-inserted on the next full sync.
func (s *Store) ensureVectorTable(dim int) bool {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()

	if s.vecUnavailable || dim <= 0 {
		return false
	}
	if s.vecReady && s.vecDim == dim {
		return true
	}

	if s.vecReady && s.vecDim != dim {
		s.logger.Warn().
			Int("old_dim", s.vecDim).
			Int("new_dim", dim).
			Msg("Embedding dimension changed, rebuilding vector index")
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + vectorTable); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to drop vector table")
		}
		s.vecReady = false
	}

	if err := s.createVectorTable(dim); err != nil {
		s.vecUnavailable = true
		s.logger.Warn().Err(err).Msg("Vector extension unavailable, using in-process scan")
		return false
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('vector_dim', ?)", strconv.Itoa(dim),
	); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist vector dimension")
	}
	return true
}

// VectorReady reports whether the vector index can serve queries.
func (s *Store) VectorReady() bool {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	return s.vecReady && !s.vecUnavailable
}

func (s *Store) vectorDim() int {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	return s.vecDim
}

// GetFile looks up the stored metadata for a path.
func (s *Store) GetFile(path string) (FileEntry, bool) {
	var e FileEntry
	err := s.db.QueryRow(
		"SELECT path, hash, mtime, size FROM files WHERE path = ?", path,
	).Scan(&e.Path, &e.Hash, &e.MTime, &e.Size)
	if err != nil {
		return FileEntry{}, false
	}
	return e, true
}

// UpsertFile stores file metadata for change detection.
func (s *Store) UpsertFile(e FileEntry) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO files (path, hash, mtime, size) VALUES (?, ?, ?, ?)",
		e.Path, e.Hash, e.MTime, e.Size,
	)
	return err
}

// ListFiles returns the paths of all indexed files.
func (s *Store) ListFiles() ([]string, error) {
	rows, err := s.db.Query("SELECT path FROM files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteFile removes a file's metadata and all of its chunks.
func (s *Store) DeleteFile(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteChunksTx(tx, path); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteChunksTx(tx *sql.Tx, path string) error {
	if s.VectorReady() {
		rows, err := tx.Query("SELECT id FROM chunks WHERE path = ?", path)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.Exec("DELETE FROM "+vectorTable+" WHERE id = ?", id); err != nil {
				s.logger.Warn().Err(err).Str("chunk", id).Msg("Failed to delete vector row")
			}
		}
	}
	if _, err := tx.Exec("DELETE FROM chunks_fts WHERE path = ?", path); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE path = ?", path); err != nil {
		return err
	}
	return nil
}

// prepareVectorTable creates the vector index ahead of a write
// transaction, so the DDL never contends with the transaction's lock.
func (s *Store) prepareVectorTable(chunks []Chunk) {
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			s.ensureVectorTable(len(c.Embedding))
			return
		}
	}
}

// ReplaceChunks replaces every chunk for a path in one transaction, so
// readers never observe a partially indexed file.
func (s *Store) ReplaceChunks(path string, chunks []Chunk) error {
	s.prepareVectorTable(chunks)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteChunksTx(tx, path); err != nil {
		return err
	}
	if err := s.insertChunksTx(tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendChunks inserts chunks without touching existing rows; used for the
// incremental session path.
func (s *Store) AppendChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.prepareVectorTable(chunks)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insertChunksTx(tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertChunksTx(tx *sql.Tx, chunks []Chunk) error {
	for _, c := range chunks {
		embJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO chunks
				(id, path, source, start_line, end_line, hash, model, text, embedding, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Path, c.Source, c.StartLine, c.EndLine, c.Hash, c.Model, c.Text,
			string(embJSON), c.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM chunks_fts WHERE id = ?", c.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO chunks_fts (text, id, path, source, start_line, end_line) VALUES (?, ?, ?, ?, ?, ?)",
			c.Text, c.ID, c.Path, c.Source, c.StartLine, c.EndLine,
		); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}

		if len(c.Embedding) > 0 && s.VectorReady() && len(c.Embedding) == s.vectorDim() {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO "+vectorTable+" (id, embedding) VALUES (?, ?)",
				c.ID, string(embJSON),
			); err != nil {
				s.logger.Warn().Err(err).Str("chunk", c.ID).Msg("Failed to insert vector row")
			}
		}
	}
	return nil
}

// keywordHit is one FTS5 match before fusion.
type keywordHit struct {
	ID        string
	Path      string
	Source    string
	StartLine int
	EndLine   int
	Text      string
	Score     float64
	UpdatedAt time.Time
}

// KeywordQuery runs a ranked FTS5 match. Rows come back in bm25 order
// (best first, rank most negative) and each is scored by its position,
// 1/(1+i), so the best match scores 1 and relevance decays monotonically.
func (s *Store) KeywordQuery(match string, limit int) ([]keywordHit, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.path, f.source, f.start_line, f.end_line, f.text, c.updated_at
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.id
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var h keywordHit
		var updated int64
		if err := rows.Scan(&h.ID, &h.Path, &h.Source, &h.StartLine, &h.EndLine, &h.Text, &updated); err != nil {
			continue
		}
		h.Score = 1.0 / (1.0 + float64(len(hits)))
		h.UpdatedAt = time.Unix(updated, 0)
		hits = append(hits, h)
	}
	return hits, nil
}

// vectorHit is one nearest-neighbor match before fusion.
type vectorHit struct {
	ID         string
	Similarity float64
}

// VectorQuery runs an approximate nearest-neighbor query against the
// vector index, filtered to chunks embedded with the given model.
func (s *Store) VectorQuery(embedding []float32, model string, limit int) ([]vectorHit, error) {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM `+vectorTable+` v
		JOIN chunks c ON c.id = v.id
		WHERE c.model = ?
		ORDER BY distance ASC
		LIMIT ?`, string(embJSON), model, limit)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var h vectorHit
		var distance float64
		if err := rows.Scan(&h.ID, &distance); err != nil {
			continue
		}
		h.Similarity = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, nil
}

// ScanEmbeddings loads every stored embedding for a model, for the
// in-process cosine fallback when the vector extension is missing.
// Malformed embedding JSON is treated as an empty vector.
func (s *Store) ScanEmbeddings(model string) ([]Chunk, error) {
	rows, err := s.db.Query(
		"SELECT id, embedding FROM chunks WHERE model = ? AND embedding != '[]'", model,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &embJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &c.Embedding); err != nil {
			c.Embedding = nil
		}
		if len(c.Embedding) == 0 {
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// GetChunks hydrates full chunk rows for a set of ids.
func (s *Store) GetChunks(ids []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(ids))
	for _, id := range ids {
		var c Chunk
		var updated int64
		err := s.db.QueryRow(
			"SELECT id, path, source, start_line, end_line, hash, model, text, updated_at FROM chunks WHERE id = ?", id,
		).Scan(&c.ID, &c.Path, &c.Source, &c.StartLine, &c.EndLine, &c.Hash, &c.Model, &c.Text, &updated)
		if err != nil {
			continue
		}
		c.UpdatedAt = time.Unix(updated, 0)
		out[id] = c
	}
	return out, nil
}

// CachedEmbedding looks up a cached embedding by content hash and model.
func (s *Store) CachedEmbedding(hash, model string) ([]float32, bool) {
	var embJSON string
	err := s.db.QueryRow(
		"SELECT embedding FROM embedding_cache WHERE hash = ? AND model = ?", hash, model,
	).Scan(&embJSON)
	if err != nil {
		return nil, false
	}
	var emb []float32
	if err := json.Unmarshal([]byte(embJSON), &emb); err != nil || len(emb) == 0 {
		return nil, false
	}
	return emb, true
}

// CacheEmbedding stores an embedding keyed by content hash and model.
func (s *Store) CacheEmbedding(hash, model string, embedding []float32) {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(
		"INSERT OR REPLACE INTO embedding_cache (hash, model, embedding, dims, updated_at) VALUES (?, ?, ?, ?, ?)",
		hash, model, string(embJSON), len(embedding), time.Now().Unix(),
	)
}

// PruneEmbeddingCache drops the oldest cache rows beyond maxEntries.
func (s *Store) PruneEmbeddingCache(maxEntries int) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	_, _ = s.db.Exec(`
		DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)`, maxEntries)
}

// FileCount returns the number of indexed files.
func (s *Store) FileCount() int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n)
	return n
}

// ChunkCount returns the number of indexed chunks.
func (s *Store) ChunkCount() int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n
}

// ChunkCountByPath returns the number of chunks indexed for one path.
func (s *Store) ChunkCountByPath(path string) int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE path = ?", path).Scan(&n)
	return n
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
