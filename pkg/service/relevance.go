// Relevance scoring for memory retrieval
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/utils"
	chromem "github.com/philippgille/chromem-go"
)

// RelevanceScorer scores candidate memories against a query text. The
// returned slice is positionally aligned with the input; each score is in
// [0, 1], higher is more relevant.
type RelevanceScorer interface {
	Score(ctx context.Context, query string, memories []db.Memory) ([]float64, error)
}

// MemoryIndexer keeps a secondary search index in sync with the memory
// store. Implementations are best-effort; the SQL rows remain the source
// of truth.
type MemoryIndexer interface {
	Index(ctx context.Context, memory *db.Memory)
	Remove(ctx context.Context, tenantID, userID, memoryID string)
}

// ========== Keyword scoring ==========

// KeywordScorer scores by lexical term overlap. It needs no index and no
// external service, so it is the default when no embedder is configured.
type KeywordScorer struct{}

func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{}
}

func (s *KeywordScorer) Score(ctx context.Context, query string, memories []db.Memory) ([]float64, error) {
	scores := make([]float64, len(memories))

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return scores, nil
	}

	querySet := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		querySet[t] = struct{}{}
	}

	for i := range memories {
		contentSet := make(map[string]struct{})
		for _, t := range tokenize(memories[i].Content) {
			contentSet[t] = struct{}{}
		}

		matched := 0
		for t := range querySet {
			if _, ok := contentSet[t]; ok {
				matched++
			}
		}
		scores[i] = float64(matched) / float64(len(querySet))
	}

	return scores, nil
}

// Index and Remove are no-ops; keyword scoring reads memory content directly.
func (s *KeywordScorer) Index(ctx context.Context, memory *db.Memory) {}

func (s *KeywordScorer) Remove(ctx context.Context, tenantID, userID, memoryID string) {}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ========== Vector scoring ==========

// VectorScorer scores by embedding similarity using a chromem-go vector
// store with one collection per tenant and user.
type VectorScorer struct {
	vectorDB      *chromem.DB
	embeddingFunc chromem.EmbeddingFunc
	collections   sync.Map // collection name -> *chromem.Collection
	logger        *slog.Logger
}

// NewVectorScorer creates a vector scorer backed by the given embedder.
// storePath enables persistent storage; empty means in-memory only.
func NewVectorScorer(embedder embedding.Embedder, storePath string) (*VectorScorer, error) {
	var vectorDB *chromem.DB
	var err error
	if storePath != "" {
		if err := os.MkdirAll(storePath, 0755); err != nil {
			return nil, fmt.Errorf("create vector store directory: %w", err)
		}
		vectorDB, err = chromem.NewPersistentDB(storePath, false)
		if err != nil {
			return nil, fmt.Errorf("create vector DB: %w", err)
		}
	} else {
		vectorDB = chromem.NewDB()
	}

	return &VectorScorer{
		vectorDB:      vectorDB,
		embeddingFunc: embeddingFuncFromEmbedder(embedder),
		logger:        utils.GetLogger(),
	}, nil
}

// embeddingFuncFromEmbedder wraps an eino Embedder as a chromem.EmbeddingFunc.
func embeddingFuncFromEmbedder(embedder embedding.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		result := make([]float32, len(embeddings[0]))
		for i, v := range embeddings[0] {
			result[i] = float32(v)
		}
		return result, nil
	}
}

func (s *VectorScorer) getOrCreateCollection(tenantID, userID string) (*chromem.Collection, error) {
	name := "mem_" + tenantID + "_" + userID

	if col, ok := s.collections.Load(name); ok {
		return col.(*chromem.Collection), nil
	}

	col := s.vectorDB.GetCollection(name, s.embeddingFunc)
	if col == nil {
		var err error
		col, err = s.vectorDB.CreateCollection(name, nil, s.embeddingFunc)
		if err != nil {
			return nil, err
		}
	}

	s.collections.Store(name, col)
	return col, nil
}

// Score queries the owner's collection and maps similarities back onto the
// candidate slice. Candidates absent from the index score zero.
func (s *VectorScorer) Score(ctx context.Context, query string, memories []db.Memory) ([]float64, error) {
	scores := make([]float64, len(memories))
	if len(memories) == 0 || strings.TrimSpace(query) == "" {
		return scores, nil
	}

	// All candidates share one owner; Search filters by tenant and user.
	col, err := s.getOrCreateCollection(memories[0].TenantID, memories[0].UserID)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}

	limit := len(memories)
	if count := col.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return scores, nil
	}

	results, err := col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	byID := make(map[string]float64, len(results))
	for _, r := range results {
		byID[r.ID] = float64(r.Similarity)
	}
	for i := range memories {
		if sim, ok := byID[memories[i].ID]; ok {
			if sim < 0 {
				sim = 0
			}
			scores[i] = sim
		}
	}

	return scores, nil
}

// Index adds or replaces the memory's document. Best-effort.
func (s *VectorScorer) Index(ctx context.Context, memory *db.Memory) {
	col, err := s.getOrCreateCollection(memory.TenantID, memory.UserID)
	if err != nil {
		s.logger.Warn("failed to get vector collection", "error", err, "memoryID", memory.ID)
		return
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:      memory.ID,
		Content: memory.Content,
		Metadata: map[string]string{
			"type": string(memory.MemoryType),
		},
	})
	if err != nil {
		s.logger.Warn("failed to index memory", "error", err, "memoryID", memory.ID)
	}
}

// Remove deletes the memory's document. Best-effort.
func (s *VectorScorer) Remove(ctx context.Context, tenantID, userID, memoryID string) {
	col, err := s.getOrCreateCollection(tenantID, userID)
	if err != nil {
		return
	}
	if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
		s.logger.Warn("failed to remove memory from index", "error", err, "memoryID", memoryID)
	}
}
