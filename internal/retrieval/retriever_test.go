package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

type fakeVectors struct {
	candidates []Candidate
	err        error
	calls      int
	lastQuery  string
	lastOpts   SearchOptions
}

func (f *fakeVectors) SearchSimilar(_ context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	f.calls++
	f.lastQuery = query
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type fakeMemory struct {
	records map[string]*Orchestration
	failOn  map[string]bool
	calls   int
}

func (f *fakeMemory) GetOrchestrationByID(_ context.Context, id string) (*Orchestration, error) {
	f.calls++
	if f.failOn[id] {
		return nil, errors.New("record unavailable")
	}
	return f.records[id], nil
}

func twoCandidates() ([]Candidate, *fakeMemory) {
	longTask := strings.Repeat("review the ingestion path ", 8) // > 100 chars
	candidates := []Candidate{
		{ID: "orch-1", Task: longTask, Pattern: "parallel", Summary: "split per module", CombinedScore: 0.91, Success: true, AgentIDs: []string{"a1", "a2"}},
		{ID: "orch-2", Task: "add caching", Pattern: "parallel", Similarity: 0.74, Success: false},
	}
	memory := &fakeMemory{records: map[string]*Orchestration{
		"orch-1": {ID: "orch-1", Pattern: "parallel", Success: true, Task: longTask,
			AgentIDs: []string{"a1", "a2"}, Observations: []string{"worked first try"}, ResultSummary: "done"},
		"orch-2": {ID: "orch-2", Pattern: "parallel", Success: false, Task: "add caching"},
	}}
	return candidates, memory
}

func newTestRetriever(t *testing.T, cfg Config, vectors VectorStore, memory MemoryStore) *Retriever {
	t.Helper()
	r, err := NewRetriever(cfg, vectors, memory, zap.NewNop(), events.NewBus(16))
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	return r
}

func TestRetrieveContextTwoLayers(t *testing.T) {
	candidates, memory := twoCandidates()
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{}, vectors, memory)

	res, err := r.RetrieveContext(context.Background(), Request{
		Task:     "review the ingestion path",
		Pattern:  "parallel",
		AgentIDs: []string{"a1", "a2"},
	}, Options{MaxTokens: 4000})
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}

	if !res.Loaded {
		t.Error("Loaded = false")
	}
	if res.Layer1.TotalFound != 2 || len(res.Layer1.Orchestrations) != 2 {
		t.Fatalf("Layer1 = %+v", res.Layer1)
	}
	first := res.Layer1.Orchestrations[0]
	if !strings.HasSuffix(first.Task, "...") || len(first.Task) > taskTruncateLen+3 {
		t.Errorf("long task not truncated: %q", first.Task)
	}
	if first.Relevance != 0.91 {
		t.Errorf("Relevance = %.2f, want combined score", first.Relevance)
	}
	if got := res.Layer1.Orchestrations[1].Relevance; got != 0.74 {
		t.Errorf("Relevance = %.2f, want similarity fallback", got)
	}

	if res.Layer2.Loaded != 2 {
		t.Errorf("Layer2.Loaded = %d, want 2", res.Layer2.Loaded)
	}
	if res.Layer2.Truncated {
		t.Error("Layer2.Truncated = true under a roomy budget")
	}
	if res.TokenCount != res.Layer1.TokenCount+res.Layer2.TokenCount {
		t.Errorf("TokenCount = %d, layers sum to %d", res.TokenCount, res.Layer1.TokenCount+res.Layer2.TokenCount)
	}

	if vectors.lastOpts.Limit != 10 || vectors.lastOpts.SearchMode != "hybrid" || vectors.lastOpts.Pattern != "parallel" {
		t.Errorf("search options = %+v", vectors.lastOpts)
	}
	if vectors.lastQuery != "review the ingestion path" {
		t.Errorf("query = %q", vectors.lastQuery)
	}
}

func TestCacheIgnoresAgentOrder(t *testing.T) {
	candidates, memory := twoCandidates()
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{}, vectors, memory)
	ctx := context.Background()

	req := Request{Task: "review", Pattern: "parallel", AgentIDs: []string{"a1", "a2", "a3"}}
	if _, err := r.RetrieveContext(ctx, req, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}

	permuted := Request{Task: "review", Pattern: "parallel", AgentIDs: []string{"a3", "a1", "a2"}}
	if _, err := r.RetrieveContext(ctx, permuted, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if vectors.calls != 1 {
		t.Errorf("vector searches = %d, want 1 (permuted agent ids share a key)", vectors.calls)
	}

	other := Request{Task: "something else", Pattern: "parallel", AgentIDs: []string{"a1", "a2", "a3"}}
	if _, err := r.RetrieveContext(ctx, other, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if vectors.calls != 2 {
		t.Errorf("vector searches = %d, want 2 after a different task", vectors.calls)
	}

	stats := r.GetStats()
	if stats.Retrievals != 3 || stats.CacheHits != 1 || stats.CacheMisses != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CacheHitRate < 0.33 || stats.CacheHitRate > 0.34 {
		t.Errorf("CacheHitRate = %.2f, want 1/3", stats.CacheHitRate)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	candidates, memory := twoCandidates()
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{CacheTTL: time.Millisecond}, vectors, memory)
	ctx := context.Background()
	req := Request{Task: "review", Pattern: "parallel"}

	if _, err := r.RetrieveContext(ctx, req, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := r.RetrieveContext(ctx, req, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if vectors.calls != 2 {
		t.Errorf("vector searches = %d, want 2 after TTL expiry", vectors.calls)
	}
}

func TestClearCacheByPattern(t *testing.T) {
	candidates, memory := twoCandidates()
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{}, vectors, memory)
	ctx := context.Background()

	if _, err := r.RetrieveContext(ctx, Request{Task: "a", Pattern: "parallel"}, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if _, err := r.RetrieveContext(ctx, Request{Task: "b", Pattern: "debate"}, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}

	if removed := r.ClearCache("parallel"); removed != 1 {
		t.Errorf("ClearCache(parallel) = %d, want 1", removed)
	}
	if removed := r.ClearCache(""); removed != 1 {
		t.Errorf("ClearCache(all) = %d, want the remaining 1", removed)
	}

	// Both entries are gone, so both requests hit the store again.
	if _, err := r.RetrieveContext(ctx, Request{Task: "a", Pattern: "parallel"}, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if vectors.calls != 3 {
		t.Errorf("vector searches = %d, want 3", vectors.calls)
	}
}

func TestTightBudgetTruncatesLayer2(t *testing.T) {
	candidates, memory := twoCandidates()
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{}, vectors, memory)

	res, err := r.RetrieveContext(context.Background(), Request{Task: "review", Pattern: "parallel"}, Options{MaxTokens: 25})
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if !res.Layer2.Truncated {
		t.Error("Layer2.Truncated = false under a 25-token budget")
	}
	if res.Layer2.Loaded != 0 {
		t.Errorf("Layer2.Loaded = %d, want 0", res.Layer2.Loaded)
	}
	// Layer 1 stays available even when details do not fit.
	if res.Layer1.TotalFound != 2 {
		t.Errorf("Layer1.TotalFound = %d", res.Layer1.TotalFound)
	}
}

func TestVectorErrorHandling(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("index offline")}
	r := newTestRetriever(t, Config{}, vectors, nil)
	ctx := context.Background()
	req := Request{Task: "review"}

	if _, err := r.RetrieveContext(ctx, req, Options{}); err == nil {
		t.Fatal("strict retrieval should surface vector-store errors")
	}

	res, err := r.RetrieveContext(ctx, Request{Task: "review degraded"}, Options{Progressive: true})
	if err != nil {
		t.Fatalf("progressive retrieval: %v", err)
	}
	if res.Layer1.Error == "" {
		t.Error("Layer1.Error empty, want the store error carried inline")
	}
	if !res.Loaded || !res.Progressive {
		t.Errorf("result = %+v", res)
	}
}

func TestNilCollaborators(t *testing.T) {
	r := newTestRetriever(t, Config{}, nil, nil)
	res, err := r.RetrieveContext(context.Background(), Request{Task: "anything"}, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if res.Layer1.TotalFound != 0 || res.Layer2.Loaded != 0 {
		t.Errorf("result = %+v, want empty layers", res)
	}
}

func TestMemoryFailuresSkipRecords(t *testing.T) {
	candidates, memory := twoCandidates()
	memory.failOn = map[string]bool{"orch-1": true}
	vectors := &fakeVectors{candidates: candidates}
	r := newTestRetriever(t, Config{}, vectors, memory)

	res, err := r.RetrieveContext(context.Background(), Request{Task: "review"}, Options{MaxTokens: 4000})
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if res.Layer2.Loaded != 1 {
		t.Errorf("Layer2.Loaded = %d, want 1 with one record failing", res.Layer2.Loaded)
	}
}

func TestRetrieveEmitsEvent(t *testing.T) {
	candidates, memory := twoCandidates()
	bus := events.NewBus(16)
	r, err := NewRetriever(Config{}, &fakeVectors{candidates: candidates}, memory, zap.NewNop(), bus)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	ch := bus.Subscribe("context:retrieved", 4)
	defer bus.Unsubscribe("context:retrieved", ch)

	if _, err := r.RetrieveContext(context.Background(), Request{Task: "review", Pattern: "parallel"}, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Payload["pattern"] != "parallel" {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no context:retrieved event")
	}
}

func TestRetrieveEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	if _, err := tracing.Initialize(tracing.Config{Enabled: false}, zap.NewNop()); err != nil {
		t.Fatalf("initialize tracing: %v", err)
	}

	candidates, memory := twoCandidates()
	r := newTestRetriever(t, Config{}, &fakeVectors{candidates: candidates}, memory)

	req := Request{Task: "review", Pattern: "parallel", AgentIDs: []string{"a1"}}
	if _, err := r.RetrieveContext(context.Background(), req, Options{}); err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	// The cached path traces too.
	if _, err := r.RetrieveContext(context.Background(), req, Options{}); err != nil {
		t.Fatalf("RetrieveContext (cached): %v", err)
	}

	count := 0
	for _, s := range recorder.Ended() {
		if s.Name() == "retrieval.retrieve_context" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("retrieve_context spans = %d, want 2", count)
	}
}

func TestTruncatePreservesUTF8(t *testing.T) {
	// 3-byte runes, so the byte limit lands mid-rune.
	long := strings.Repeat("€", 60)
	got := truncate(long, taskTruncateLen)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got)
	}
	if len(got) > taskTruncateLen+3 {
		t.Errorf("len = %d, want <= %d", len(got), taskTruncateLen+3)
	}
	if short := "café"; truncate(short, taskTruncateLen) != short {
		t.Error("short strings must pass through unchanged")
	}
}
