package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

const (
	taskTruncateLen    = 100
	summaryTruncateLen = 150
)

// Candidate is a vector-store search hit.
type Candidate struct {
	ID            string   `json:"id"`
	Task          string   `json:"task"`
	Pattern       string   `json:"pattern"`
	Summary       string   `json:"summary,omitempty"`
	Similarity    float64  `json:"similarity_score,omitempty"`
	CombinedScore float64  `json:"combined_score,omitempty"`
	AgentIDs      []string `json:"agent_ids,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
	Success       bool     `json:"success"`
	TokenCount    int      `json:"token_count,omitempty"`
}

// SearchOptions narrows a vector-store search.
type SearchOptions struct {
	Limit               int
	IncludeObservations bool
	SearchMode          string
	Pattern             string
}

// VectorStore is the similarity index collaborator.
type VectorStore interface {
	SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error)
}

// Orchestration is a full stored orchestration record.
type Orchestration struct {
	ID            string                 `json:"id"`
	Pattern       string                 `json:"pattern"`
	Success       bool                   `json:"success"`
	Timestamp     string                 `json:"timestamp"`
	AgentIDs      []string               `json:"agent_ids"`
	Task          string                 `json:"task"`
	Observations  []string               `json:"observations,omitempty"`
	ResultSummary string                 `json:"result_summary,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// MemoryStore fetches full orchestration records by id.
type MemoryStore interface {
	GetOrchestrationByID(ctx context.Context, id string) (*Orchestration, error)
}

// OrchestrationSummary is the Layer 1 normalised view.
type OrchestrationSummary struct {
	ID         string   `json:"id"`
	Pattern    string   `json:"pattern"`
	Task       string   `json:"task"`
	Summary    string   `json:"summary"`
	Relevance  float64  `json:"relevance"`
	Success    bool     `json:"success"`
	AgentIDs   []string `json:"agent_ids"`
	TokenCount int      `json:"token_count"`
}

// Layer1Result is the index layer of a retrieval.
type Layer1Result struct {
	Orchestrations []OrchestrationSummary `json:"orchestrations"`
	TotalFound     int                    `json:"total_found"`
	TokenCount     int                    `json:"token_count"`
	Error          string                 `json:"error,omitempty"`
}

// Layer2Result is the detail layer of a retrieval.
type Layer2Result struct {
	Orchestrations []map[string]interface{} `json:"orchestrations"`
	Loaded         int                      `json:"loaded"`
	Truncated      bool                     `json:"truncated"`
	TokenCount     int                      `json:"token_count"`
}

// Result is a complete retrieval.
type Result struct {
	Loaded        bool          `json:"loaded"`
	Progressive   bool          `json:"progressive"`
	Layer1        *Layer1Result `json:"layer1"`
	Layer2        *Layer2Result `json:"layer2"`
	TokenCount    int           `json:"token_count"`
	RetrievalTime time.Duration `json:"retrieval_time"`
}

// Request identifies what to retrieve context for.
type Request struct {
	Task     string
	AgentIDs []string
	Pattern  string
}

// Options tunes one retrieval.
type Options struct {
	MaxTokens   int
	Progressive bool
}

// Stats are the retriever's running counters.
type Stats struct {
	Retrievals        int           `json:"retrievals"`
	CacheHits         int           `json:"cache_hits"`
	CacheMisses       int           `json:"cache_misses"`
	Layer1Loads       int           `json:"layer1_loads"`
	Layer2Loads       int           `json:"layer2_loads"`
	TotalTokensServed int           `json:"total_tokens_served"`
	Truncations       int           `json:"truncations"`
	AvgRetrievalTime  time.Duration `json:"avg_retrieval_time"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
}

// Config tunes the retriever.
type Config struct {
	Layer1Limit   int
	DefaultBudget int
	BufferPercent float64
	CacheSize     int
	CacheTTL      time.Duration
}

type cacheEntry struct {
	result     *Result
	storedAt   time.Time
	accessedAt time.Time
	pattern    string
}

// Retriever serves prior orchestration context under a token budget, with a
// two-layer load and an order-insensitive LRU cache.
type Retriever struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *cacheEntry]
	stats Stats
	total time.Duration

	cfg     Config
	vectors VectorStore
	memory  MemoryStore
	encoder *tiktoken.Tiktoken
	logger  *zap.Logger
	bus     *events.Bus
}

func NewRetriever(cfg Config, vectors VectorStore, memory MemoryStore, logger *zap.Logger, bus *events.Bus) (*Retriever, error) {
	if cfg.Layer1Limit == 0 {
		cfg.Layer1Limit = 10
	}
	if cfg.DefaultBudget == 0 {
		cfg.DefaultBudget = 4000
	}
	if cfg.BufferPercent == 0 {
		cfg.BufferPercent = 0.1
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	cache, err := lru.New[string, *cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init retrieval cache: %w", err)
	}
	// Token counting degrades to a bytes/4 estimate when the encoding
	// cannot be loaded (offline hosts).
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("Token encoding unavailable, using byte estimate", zap.Error(err))
		encoder = nil
	}
	return &Retriever{
		cache:   cache,
		cfg:     cfg,
		vectors: vectors,
		memory:  memory,
		encoder: encoder,
		logger:  logger,
		bus:     bus,
	}, nil
}

// cacheKey hashes task, pattern and the sorted agent ids, so permutations of
// the same agent set collide.
func cacheKey(req Request) string {
	ids := append([]string(nil), req.AgentIDs...)
	sort.Strings(ids)
	h := fnv.New64a()
	h.Write([]byte(req.Task))
	h.Write([]byte{0})
	h.Write([]byte(req.Pattern))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// RetrieveContext loads prior context for a task within the token budget.
func (r *Retriever) RetrieveContext(ctx context.Context, req Request, opts Options) (*Result, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "retrieval.retrieve_context",
		attribute.String("pattern", req.Pattern),
		attribute.Int("agent_count", len(req.AgentIDs)))
	defer span.End()

	if opts.MaxTokens == 0 {
		opts.MaxTokens = r.cfg.DefaultBudget
	}
	key := cacheKey(req)

	r.mu.Lock()
	r.stats.Retrievals++
	if entry, ok := r.cache.Get(key); ok {
		if time.Since(entry.storedAt) < r.cfg.CacheTTL {
			entry.accessedAt = time.Now()
			r.stats.CacheHits++
			cached := entry.result
			r.mu.Unlock()
			metrics.RetrievalCacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
		r.cache.Remove(key)
	}
	r.stats.CacheMisses++
	r.mu.Unlock()
	metrics.RetrievalCacheMisses.Inc()

	budget := int(float64(opts.MaxTokens) * (1 - r.cfg.BufferPercent))

	layer1 := r.loadLayer1(ctx, req)
	if layer1.Error != "" && !opts.Progressive {
		return nil, fmt.Errorf("layer 1 retrieval failed: %s", layer1.Error)
	}
	remaining := budget - layer1.TokenCount

	layer2 := r.loadLayer2(ctx, layer1, remaining)

	result := &Result{
		Loaded:        true,
		Progressive:   opts.Progressive,
		Layer1:        layer1,
		Layer2:        layer2,
		TokenCount:    layer1.TokenCount + layer2.TokenCount,
		RetrievalTime: time.Since(start),
	}

	r.mu.Lock()
	r.cache.Add(key, &cacheEntry{
		result:     result,
		storedAt:   time.Now(),
		accessedAt: time.Now(),
		pattern:    req.Pattern,
	})
	r.stats.Layer1Loads++
	r.stats.Layer2Loads += layer2.Loaded
	r.stats.TotalTokensServed += result.TokenCount
	r.total += result.RetrievalTime
	if r.stats.Retrievals > 0 {
		r.stats.AvgRetrievalTime = r.total / time.Duration(r.stats.Retrievals)
	}
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.Int("token_count", result.TokenCount),
		attribute.Int("layer2_loaded", layer2.Loaded),
	)
	metrics.RetrievalDuration.Observe(result.RetrievalTime.Seconds())
	r.bus.Emit("context:retrieved", "retrieval", map[string]interface{}{
		"pattern": req.Pattern, "token_count": result.TokenCount,
		"layer2_loaded": layer2.Loaded,
	})
	return result, nil
}

// loadLayer1 queries the vector index and normalises candidates into short
// summaries. Errors are carried inside the result.
func (r *Retriever) loadLayer1(ctx context.Context, req Request) *Layer1Result {
	out := &Layer1Result{Orchestrations: []OrchestrationSummary{}}
	if r.vectors == nil {
		return out
	}
	candidates, err := r.vectors.SearchSimilar(ctx, req.Task, SearchOptions{
		Limit:               r.cfg.Layer1Limit,
		IncludeObservations: false,
		SearchMode:          "hybrid",
		Pattern:             req.Pattern,
	})
	if err != nil {
		metrics.VectorStoreFallbacks.Inc()
		out.Error = err.Error()
		return out
	}
	out.TotalFound = len(candidates)
	for _, c := range candidates {
		relevance := c.CombinedScore
		if relevance == 0 {
			relevance = c.Similarity
		}
		out.Orchestrations = append(out.Orchestrations, OrchestrationSummary{
			ID:         c.ID,
			Pattern:    c.Pattern,
			Task:       truncate(c.Task, taskTruncateLen),
			Summary:    truncate(c.Summary, summaryTruncateLen),
			Relevance:  relevance,
			Success:    c.Success,
			AgentIDs:   c.AgentIDs,
			TokenCount: c.TokenCount,
		})
	}
	out.TokenCount = r.measure(out.Orchestrations)
	return out
}

// loadLayer2 fetches full orchestrations for the Layer 1 ids, fitting each
// whole when the budget allows, truncating to core fields when it is tight,
// and skipping when even those do not fit.
func (r *Retriever) loadLayer2(ctx context.Context, layer1 *Layer1Result, remaining int) *Layer2Result {
	out := &Layer2Result{Orchestrations: []map[string]interface{}{}}
	if r.memory == nil {
		return out
	}
	for _, summary := range layer1.Orchestrations {
		if remaining <= 0 {
			out.Truncated = true
			break
		}
		full, err := r.memory.GetOrchestrationByID(ctx, summary.ID)
		if err != nil || full == nil {
			continue
		}
		fullDoc := orchestrationDoc(full, true)
		cost := r.measure(fullDoc)
		if cost <= remaining {
			out.Orchestrations = append(out.Orchestrations, fullDoc)
			out.Loaded++
			out.TokenCount += cost
			remaining -= cost
			continue
		}

		coreDoc := orchestrationDoc(full, false)
		coreCost := r.measure(coreDoc)
		if coreCost > remaining {
			out.Truncated = true
			r.mu.Lock()
			r.stats.Truncations++
			r.mu.Unlock()
			metrics.RetrievalTruncations.Inc()
			continue
		}
		// Greedily add optional sections while space remains.
		budget := remaining - coreCost
		for _, section := range []struct {
			key   string
			value interface{}
			empty bool
		}{
			{"observations", full.Observations, len(full.Observations) == 0},
			{"result_summary", full.ResultSummary, full.ResultSummary == ""},
			{"metadata", full.Metadata, len(full.Metadata) == 0},
		} {
			if section.empty {
				continue
			}
			cost := r.measure(section.value)
			if cost > budget {
				continue
			}
			coreDoc[section.key] = section.value
			coreCost += cost
			budget -= cost
		}
		out.Truncated = true
		out.Orchestrations = append(out.Orchestrations, coreDoc)
		out.Loaded++
		out.TokenCount += coreCost
		remaining -= coreCost
	}
	return out
}

func orchestrationDoc(o *Orchestration, full bool) map[string]interface{} {
	doc := map[string]interface{}{
		"id":        o.ID,
		"pattern":   o.Pattern,
		"success":   o.Success,
		"timestamp": o.Timestamp,
		"agent_ids": o.AgentIDs,
		"task":      o.Task,
	}
	if full {
		if len(o.Observations) > 0 {
			doc["observations"] = o.Observations
		}
		if o.ResultSummary != "" {
			doc["result_summary"] = o.ResultSummary
		}
		if len(o.Metadata) > 0 {
			doc["metadata"] = o.Metadata
		}
	}
	return doc
}

// measure counts tokens on the JSON encoding of v.
func (r *Retriever) measure(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	if r.encoder != nil {
		return len(r.encoder.Encode(string(data), nil, nil))
	}
	return len(data) / 4
}

// GetStats returns a copy of the counters with the hit rate filled in.
func (r *Retriever) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}
	return s
}

// ClearCache wipes all entries, or only those stored under a pattern.
func (r *Retriever) ClearCache(pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pattern == "" {
		n := r.cache.Len()
		r.cache.Purge()
		return n
	}
	removed := 0
	for _, key := range r.cache.Keys() {
		if entry, ok := r.cache.Peek(key); ok && entry.pattern == pattern {
			r.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// truncate cuts on a rune boundary so multi-byte text never yields
// invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
