package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"mnemo/internal/observability"
	"mnemo/internal/tracing"
)

const (
	defaultVectorWeight = 0.7
	defaultTextWeight   = 0.3
	defaultMMRLambda    = 0.7
	candidateLimit      = 200
	snippetLimit        = 700

	recencyWindowDays = 30.0
	recencyBoostMax   = 0.2
	sessionBoost      = 1.2
	sourceBoost       = 1.15
)

// Searcher runs hybrid queries over the store. It never returns an error:
// every failure degrades to fewer (possibly zero) results.
type Searcher struct {
	store    *Store
	provider Provider // nil means keyword-only
	engine   *Engine
	logger   zerolog.Logger

	queryCache *lru.Cache[string, []float32]
}

// NewSearcher creates a search engine sharing the sync engine's store and
// provider.
func NewSearcher(store *Store, provider Provider, engine *Engine, logger zerolog.Logger) *Searcher {
	cache, _ := lru.New[string, []float32](256)
	return &Searcher{
		store:      store,
		provider:   provider,
		engine:     engine,
		logger:     logger,
		queryCache: cache,
	}
}

// Search returns up to limit results ordered by final score. An empty
// query, a zero limit or a missing index all yield an empty slice.
func (s *Searcher) Search(ctx context.Context, query string, limit int, opts *SearchOptions) []SearchResult {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.search",
		attribute.String("query", query))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []SearchResult{}
	}
	if opts == nil {
		opts = &SearchOptions{}
	}

	if s.engine != nil && s.engine.Dirty() {
		if err := s.engine.Sync(ctx, false); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var fused map[string]float64
	if s.provider == nil {
		fused = s.keywordOnly(query, logger)
	} else {
		fused = s.hybrid(ctx, query, opts, logger)
	}
	if len(fused) == 0 {
		return []SearchResult{}
	}

	results := s.hydrate(fused, opts, logger)
	results = applyBoosts(results, time.Now(), opts)

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if opts.MMR && len(results) > limit {
		lambda := opts.MMRLambda
		if lambda <= 0 {
			lambda = defaultMMRLambda
		}
		results = applyMMR(results, lambda, limit)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results
}

// keywordOnly extracts salient keywords from the raw query and runs one
// FTS query per term, keeping the highest score per chunk across runs.
func (s *Searcher) keywordOnly(query string, logger zerolog.Logger) map[string]float64 {
	terms := extractKeywords(query)
	var matches []string
	for _, t := range terms {
		if m := sanitizeFTSQuery(t); m != "" {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		if m := sanitizeFTSQuery(query); m != "" {
			matches = []string{m}
		}
	}

	scores := make(map[string]float64)
	for _, m := range matches {
		hits, err := s.store.KeywordQuery(m, candidateLimit)
		if err != nil {
			logger.Debug().Err(err).Str("match", m).Msg("Keyword sub-query failed")
			continue
		}
		for _, h := range hits {
			if h.Score > scores[h.ID] {
				scores[h.ID] = h.Score
			}
		}
	}
	return scores
}

// hybrid fuses vector similarity and keyword rank per chunk id. A missing
// side contributes zero.
func (s *Searcher) hybrid(ctx context.Context, query string, opts *SearchOptions, logger zerolog.Logger) map[string]float64 {
	vw := opts.VectorWeight
	tw := opts.TextWeight
	if vw <= 0 && tw <= 0 {
		vw, tw = defaultVectorWeight, defaultTextWeight
	}

	vectorScores := s.vectorScores(ctx, query, logger)

	// Term-AND first so non-adjacent terms still match; the phrase form
	// is the fallback when the AND query finds nothing.
	textScores := make(map[string]float64)
	for _, m := range []string{andFTSQuery(query), sanitizeFTSQuery(query)} {
		if m == "" {
			continue
		}
		hits, err := s.store.KeywordQuery(m, candidateLimit)
		if err != nil {
			logger.Debug().Err(err).Str("match", m).Msg("Keyword query failed")
			continue
		}
		for _, h := range hits {
			textScores[h.ID] = h.Score
		}
		if len(textScores) > 0 {
			break
		}
	}

	if len(vectorScores) == 0 && len(textScores) == 0 {
		// Both sides empty; retry with extracted keywords so
		// conversational phrasing still matches something.
		return s.keywordOnly(query, logger)
	}

	return fuseScores(vectorScores, textScores, vw, tw)
}

// fuseScores combines per-chunk vector and text scores as
// vectorWeight*vectorScore + textWeight*textScore, defaulting missing
// sides to zero.
func fuseScores(vectorScores, textScores map[string]float64, vectorWeight, textWeight float64) map[string]float64 {
	fused := make(map[string]float64, len(vectorScores)+len(textScores))
	for id, v := range vectorScores {
		fused[id] = vectorWeight * v
	}
	for id, t := range textScores {
		fused[id] += textWeight * t
	}
	return fused
}

// vectorScores embeds the query and runs nearest-neighbor search, using
// the vector index when present and an in-process cosine scan otherwise.
func (s *Searcher) vectorScores(ctx context.Context, query string, logger zerolog.Logger) map[string]float64 {
	model := s.provider.Model()

	cacheKey := model + "\x00" + query
	embedding, ok := s.queryCache.Get(cacheKey)
	if !ok {
		var err error
		embedding, err = s.provider.EmbedQuery(ctx, query)
		if err != nil {
			observability.RecordEmbeddingFailure()
			logger.Warn().Err(err).Msg("Query embedding failed, keyword results only")
			return nil
		}
		s.queryCache.Add(cacheKey, embedding)
	}
	if len(embedding) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	if s.store.VectorReady() {
		hits, err := s.store.VectorQuery(embedding, model, candidateLimit)
		if err == nil {
			for _, h := range hits {
				scores[h.ID] = h.Similarity
			}
			return scores
		}
		logger.Warn().Err(err).Msg("Vector index query failed, scanning in process")
	}

	// Fallback: scan all chunks for this model and rank by cosine
	// similarity in process. Functionally identical, slower.
	chunks, err := s.store.ScanEmbeddings(model)
	if err != nil {
		logger.Warn().Err(err).Msg("Embedding scan failed")
		return nil
	}
	type scored struct {
		id  string
		sim float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if sim := cosineSimilarity(embedding, c.Embedding); sim > 0 {
			ranked = append(ranked, scored{c.ID, sim})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
	if len(ranked) > candidateLimit {
		ranked = ranked[:candidateLimit]
	}
	for _, r := range ranked {
		scores[r.id] = r.sim
	}
	return scores
}

// hydrate resolves fused chunk ids into full results.
func (s *Searcher) hydrate(fused map[string]float64, opts *SearchOptions, logger zerolog.Logger) []SearchResult {
	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	chunks, err := s.store.GetChunks(ids)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to hydrate search results")
		return nil
	}

	results := make([]SearchResult, 0, len(chunks))
	for id, score := range fused {
		c, ok := chunks[id]
		if !ok {
			continue
		}
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{
			Path:      c.Path,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Score:     score,
			Snippet:   truncateSnippet(c.Text, snippetLimit),
			Source:    c.Source,
			MTime:     c.UpdatedAt,
		})
	}
	return results
}

// applyBoosts multiplies each result's score by the recency, same-session
// and source-prefix boosts. Boosts compose multiplicatively and are
// order-independent.
func applyBoosts(results []SearchResult, now time.Time, opts *SearchOptions) []SearchResult {
	var session string
	if opts.Channel != "" && opts.ChatID != "" {
		session = sessionPath(opts.Channel, opts.ChatID)
	}

	for i := range results {
		r := &results[i]

		ageDays := now.Sub(r.MTime).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := (recencyWindowDays - ageDays) / recencyWindowDays
		if recency < 0 {
			recency = 0
		}
		r.Score *= 1 + recency*recencyBoostMax

		if session != "" && r.Path == session {
			r.Score *= sessionBoost
		}

		for _, prefix := range opts.BoostSources {
			if prefix != "" && strings.HasPrefix(r.Path, prefix) {
				r.Score *= sourceBoost
				break
			}
		}
	}
	return results
}

// applyMMR re-ranks with Maximal Marginal Relevance to trade relevance
// against diversity among the selected results. Lambda 1 keeps pure
// relevance ordering; lambda 0 maximizes diversity.
func applyMMR(results []SearchResult, lambda float64, maxResults int) []SearchResult {
	if len(results) <= 1 {
		return results
	}
	if lambda > 1 {
		lambda = 1
	}

	selected := make([]SearchResult, 0, maxResults)
	remaining := make([]SearchResult, len(results))
	copy(remaining, results)

	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	tokenCache := make(map[string]map[string]bool)
	tokenize := func(text string) map[string]bool {
		if cached, ok := tokenCache[text]; ok {
			return cached
		}
		tokens := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			if len(w) > 2 {
				tokens[w] = true
			}
		}
		tokenCache[text] = tokens
		return tokens
	}

	for len(selected) < maxResults && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, candidate := range remaining {
			maxSim := 0.0
			candTokens := tokenize(candidate.Snippet)
			for _, sel := range selected {
				if sim := jaccardSimilarity(candTokens, tokenize(sel.Snippet)); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*candidate.Score - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// jaccardSimilarity computes set overlap between two token sets.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func truncateSnippet(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:cutIndex(s, maxLen)] + "..."
}
