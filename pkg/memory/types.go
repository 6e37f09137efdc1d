package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source labels for indexed content.
const (
	SourceMemory   = "memory"
	SourceSessions = "sessions"
)

// FileEntry is the indexed metadata for one file on disk.
type FileEntry struct {
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	MTime int64  `json:"mtime"`
	Size  int64  `json:"size"`
}

// Chunk is a bounded, line-addressed slice of indexed text, the atomic
// unit of retrieval.
type Chunk struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Source    string    `json:"source"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Hash      string    `json:"hash"`
	Model     string    `json:"model"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult is a single scored hit, produced per query and never
// persisted.
type SearchResult struct {
	Path      string    `json:"path"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet"`
	Source    string    `json:"source"`
	MTime     time.Time `json:"mtime"`
}

// SearchOptions configures a search call.
type SearchOptions struct {
	Channel      string   `json:"channel,omitempty"`
	ChatID       string   `json:"chat_id,omitempty"`
	BoostSources []string `json:"boost_sources,omitempty"`

	VectorWeight float64 `json:"vector_weight,omitempty"` // default 0.7
	TextWeight   float64 `json:"text_weight,omitempty"`   // default 0.3
	MinScore     float64 `json:"min_score,omitempty"`

	// MMR enables Maximal Marginal Relevance re-ranking to reduce
	// near-duplicate results. Off unless the caller asks for it.
	MMR       bool    `json:"mmr,omitempty"`
	MMRLambda float64 `json:"mmr_lambda,omitempty"` // default 0.7
}

// Message is one conversation turn appended to a session transcript.
type Message struct {
	Role        string          `json:"role"` // user, assistant, system, tool
	Content     string          `json:"content"`
	UserID      string          `json:"user_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults json.RawMessage `json:"tool_results,omitempty"`
}

// TranscriptEntry is a parsed transcript block.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// ContextItem is one scored piece of retrieval context.
type ContextItem struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// MemoryContext is the composed answer to a Recall call.
type MemoryContext struct {
	RecentMessages  []TranscriptEntry `json:"recent_messages"`
	RelevantHistory []ContextItem     `json:"relevant_history"`
	UserFacts       []string          `json:"user_facts"`
}

// Conversation identifies one channel/chat transcript.
type Conversation struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// sessionDelta tracks how much of an append-only session file has already
// been indexed. Owned exclusively by the sync engine and mutated only from
// within a sync run.
type sessionDelta struct {
	Size      int64
	Lines     int
	NextChunk int
}

// chunkID derives a deterministic chunk id from path, chunk index and the
// chunk's content hash, so re-indexing identical content yields identical
// ids.
func chunkID(path string, index int, hash string) string {
	return fmt.Sprintf("%s#%d-%s", path, index, hash)
}

// sessionPath returns the workspace-relative transcript path for a
// conversation.
func sessionPath(channel, chatID string) string {
	return "memory/sessions/" + channel + "-" + chatID + ".md"
}
