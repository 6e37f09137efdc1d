package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mnemo/internal/observability"
)

const (
	recentMessageLimit = 10
	recallResultLimit  = 8
	contextTailBytes   = 600
)

// boostedSources are path prefixes favored during recall searches.
var boostedSources = []string{"memory/todos.md", "memory/tasks.md", "memory/summaries/"}

// Config holds the memory service configuration.
type Config struct {
	Workspace string
	DBPath    string
	Logger    zerolog.Logger

	// Provider injects an embedding provider directly. When nil, one is
	// built from the Embedding* fields.
	Provider Provider

	// EmbeddingProvider selects a provider: "openai", "noop" or "none".
	EmbeddingProvider string
	EmbeddingAPIKey   string
	EmbeddingModel    string

	// FallbackToFTS keeps the service running keyword-only when provider
	// construction fails. Without it, a construction failure is fatal.
	FallbackToFTS bool

	Chunking ChunkOptions

	// RecentMessages caps the transcript turns included in recall
	// context. Zero or negative means the default of 10.
	RecentMessages int

	// MaintenanceSchedule is an optional cron expression for periodic
	// full syncs and embedding-cache pruning.
	MaintenanceSchedule string

	// DisableWatcher turns off filesystem watching (tests, one-shot CLI).
	DisableWatcher bool
}

// Service is the public memory façade consumed by the gateway and tool
// layers: it appends conversation turns, composes retrieval context and
// exposes hybrid search.
type Service struct {
	workspace      string
	logger         zerolog.Logger
	recentMessages int

	store    *Store
	engine   *Engine
	searcher *Searcher
	watcher  *Watcher
	cron     *cron.Cron
}

// New constructs the memory service: storage, sync engine, search engine,
// filesystem watcher and optional maintenance schedule.
func New(cfg Config) (*Service, error) {
	observability.EnsureRegistered()

	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.DBPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(store, provider, cfg.Workspace, cfg.Chunking, cfg.Logger)
	searcher := NewSearcher(store, provider, engine, cfg.Logger)

	recent := cfg.RecentMessages
	if recent <= 0 {
		recent = recentMessageLimit
	}

	s := &Service{
		workspace:      cfg.Workspace,
		logger:         cfg.Logger,
		recentMessages: recent,
		store:          store,
		engine:         engine,
		searcher:       searcher,
	}

	if !cfg.DisableWatcher {
		watcher, err := NewWatcher(cfg.Logger, func() {
			engine.MarkDirty()
			if err := engine.Sync(context.Background(), false); err != nil {
				cfg.Logger.Warn().Err(err).Msg("Watcher-triggered sync failed")
			}
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.Workspace); err != nil {
			watcher.Stop()
			store.Close()
			return nil, fmt.Errorf("watch workspace: %w", err)
		}
		s.watcher = watcher
	}

	if cfg.MaintenanceSchedule != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.MaintenanceSchedule, func() {
			if err := engine.Sync(context.Background(), true); err != nil {
				cfg.Logger.Warn().Err(err).Msg("Scheduled sync failed")
			}
			store.PruneEmbeddingCache(0)
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
		}
		c.Start()
		s.cron = c
	}

	cfg.Logger.Info().
		Str("workspace", cfg.Workspace).
		Bool("vector_search", provider != nil).
		Msg("Memory service initialized")
	return s, nil
}

// buildProvider resolves the configured embedding provider. Construction
// failure degrades to keyword-only operation when FallbackToFTS is set
// and is fatal otherwise.
func buildProvider(cfg Config) (Provider, error) {
	if cfg.Provider != nil {
		return cfg.Provider, nil
	}

	switch cfg.EmbeddingProvider {
	case "", "none":
		return nil, nil
	case "noop":
		return NewNoopProvider(0), nil
	case "openai":
		p, err := NewOpenAIProvider(cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
		if err != nil {
			if cfg.FallbackToFTS {
				cfg.Logger.Warn().Err(err).Msg("Embedding provider unavailable, running keyword-only")
				return nil, nil
			}
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// validateConversationKey rejects channel/chat ids that could escape the
// sessions directory.
func validateConversationKey(channel, chatID string) error {
	for _, part := range []string{channel, chatID} {
		if part == "" {
			return fmt.Errorf("channel and chat id are required")
		}
		if strings.Contains(part, "..") || strings.ContainsAny(part, "/\\") {
			return fmt.Errorf("invalid conversation key %q", part)
		}
	}
	if strings.Contains(channel, "-") {
		return fmt.Errorf("channel may not contain '-'")
	}
	return nil
}

// Remember appends one conversation turn to the session transcript and
// marks the index dirty for the next sync.
func (s *Service) Remember(channel, chatID string, msg Message) error {
	if err := validateConversationKey(channel, chatID); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 && len(msg.ToolResults) == 0 {
		return fmt.Errorf("message content is required")
	}

	path := filepath.Join(s.workspace, filepath.FromSlash(sessionPath(channel, chatID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	block := formatTranscriptBlock(msg, uuid.NewString())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return err
	}

	s.engine.MarkDirty()
	return nil
}

// Recall composes the retrieval context for a query: recent transcript
// turns, relevant indexed history, ambient todo/task/summary excerpts and
// matching user facts. Missing files degrade to empty lists, never
// errors.
func (s *Service) Recall(ctx context.Context, channel, chatID, query, userID string) *MemoryContext {
	out := &MemoryContext{
		RecentMessages:  []TranscriptEntry{},
		RelevantHistory: []ContextItem{},
		UserFacts:       []string{},
	}

	transcript, err := os.ReadFile(filepath.Join(s.workspace, filepath.FromSlash(sessionPath(channel, chatID))))
	if err == nil {
		out.RecentMessages = lastEntries(parseTranscript(string(transcript)), s.recentMessages)
	}

	results := s.searcher.Search(ctx, query, recallResultLimit, &SearchOptions{
		Channel:      channel,
		ChatID:       chatID,
		BoostSources: boostedSources,
	})
	for _, r := range results {
		out.RelevantHistory = append(out.RelevantHistory, ContextItem{
			Source: r.Path,
			Text:   r.Snippet,
			Score:  r.Score,
		})
	}

	sessionID := channel + "-" + chatID
	for _, tail := range []struct {
		path  string
		score float64
	}{
		{"memory/todos.md", 0.5},
		{"memory/tasks.md", 0.5},
		{"memory/summaries/" + sessionID + ".md", 0.6},
	} {
		if text := readTail(filepath.Join(s.workspace, filepath.FromSlash(tail.path)), contextTailBytes); text != "" {
			out.RelevantHistory = append(out.RelevantHistory, ContextItem{
				Source: tail.path,
				Text:   text,
				Score:  tail.score,
			})
		}
	}

	sort.SliceStable(out.RelevantHistory, func(i, j int) bool {
		return out.RelevantHistory[i].Score > out.RelevantHistory[j].Score
	})

	out.UserFacts = append(out.UserFacts, loadFacts(s.workspace, userID, chatID)...)
	return out
}

// Search runs a hybrid search over indexed memory.
func (s *Service) Search(ctx context.Context, query string, limit int, opts *SearchOptions) []SearchResult {
	return s.searcher.Search(ctx, query, limit, opts)
}

// AddFact appends one line to the fact store and marks the index dirty.
func (s *Service) AddFact(userID, fact string) error {
	if err := appendFact(s.workspace, userID, fact); err != nil {
		return err
	}
	s.engine.MarkDirty()
	return nil
}

// Sync forces an index pass; overlapping calls collapse into one run.
func (s *Service) Sync(ctx context.Context, force bool) error {
	return s.engine.Sync(ctx, force)
}

// LastActiveConversation returns the channel/chat pair owning the most
// recently modified transcript, or nil when no transcript exists.
func (s *Service) LastActiveConversation() *Conversation {
	dir := filepath.Join(s.workspace, "memory", "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var best *Conversation
	var bestTime time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		channel, chatID, ok := strings.Cut(strings.TrimSuffix(name, ".md"), "-")
		if !ok || channel == "" || chatID == "" {
			continue
		}
		if best == nil || info.ModTime().After(bestTime) {
			best = &Conversation{Channel: channel, ChatID: chatID}
			bestTime = info.ModTime()
		}
	}
	return best
}

// Status reports current index state.
type Status struct {
	TotalFiles  int        `json:"total_files"`
	TotalChunks int        `json:"total_chunks"`
	IsDirty     bool       `json:"is_dirty"`
	IsSyncing   bool       `json:"is_syncing"`
	VectorIndex bool       `json:"vector_index"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

// Status returns counts and sync state for reporting.
func (s *Service) Status() Status {
	st := Status{
		TotalFiles:  s.store.FileCount(),
		TotalChunks: s.store.ChunkCount(),
		IsDirty:     s.engine.Dirty(),
		IsSyncing:   s.engine.Syncing(),
		VectorIndex: s.store.VectorReady(),
	}
	if t := s.engine.LastSync(); !t.IsZero() {
		st.LastSync = &t
	}
	return st
}

// Close stops the watcher and scheduler and closes storage.
func (s *Service) Close() error {
	s.logger.Info().Msg("Closing memory service")
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.store.Close()
}

// legacyFiles are artifacts of earlier index formats, removed best-effort.
var legacyFiles = []string{
	"memory-index.json",
	"memory-index.db",
	"memory.sqlite",
	"memory.sqlite-wal",
	"memory.sqlite-shm",
	"embeddings.json",
}

// ClearLegacyData deletes known legacy index files under dir. Missing
// files are ignored.
func ClearLegacyData(dir string) {
	for _, name := range legacyFiles {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// readTail returns up to maxBytes of a file's trailing content, aligned
// to the next line start when truncated. Missing files yield "".
func readTail(path string, maxBytes int) string {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return ""
	}
	text := string(raw)
	if len(text) > maxBytes {
		text = text[len(text)-maxBytes:]
		if idx := strings.IndexByte(text, '\n'); idx >= 0 && idx < len(text)-1 {
			text = text[idx+1:]
		}
	}
	return strings.TrimSpace(text)
}
