// Long-term memory storage, ranking and lifecycle
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

// MemoryConfig holds configuration for the memory service
type MemoryConfig struct {
	DefaultTopK       int           `yaml:"default_top_k"`
	EnableAutoCleanup bool          `yaml:"enable_auto_cleanup"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// DefaultMemoryConfig returns default configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		DefaultTopK:       5,
		EnableAutoCleanup: true,
		CleanupInterval:   1 * time.Hour,
	}
}

// SearchMemoriesRequest describes a ranked memory search. All filters are
// optional except the owner scope, which the service fills from the caller.
type SearchMemoriesRequest struct {
	Query         string        `json:"query"`
	MemoryType    db.MemoryType `json:"memory_type,omitempty"`
	MinImportance float64       `json:"min_importance"`
	TopK          int           `json:"top_k"`
}

// MemorySearchResult pairs a memory with its relevance score.
type MemorySearchResult struct {
	Memory    db.Memory `json:"memory"`
	Relevance float64   `json:"relevance"`
}

// MemoryService manages per-user long-term memories. Ranking is delegated
// to an injected RelevanceScorer; the SQL rows are the source of truth and
// any secondary index is best-effort.
type MemoryService struct {
	db      *gorm.DB
	scorer  RelevanceScorer
	indexer MemoryIndexer
	config  *MemoryConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewMemoryService creates a new memory service. scorer must not be nil;
// indexer may be nil when the scorer needs no index.
func NewMemoryService(database *gorm.DB, scorer RelevanceScorer, indexer MemoryIndexer, config *MemoryConfig) *MemoryService {
	if config == nil {
		config = DefaultMemoryConfig()
	}
	return &MemoryService{
		db:      database,
		scorer:  scorer,
		indexer: indexer,
		config:  config,
		logger:  utils.GetLogger(),
		stopCh:  make(chan struct{}),
	}
}

// ========== CRUD Operations ==========

// Store creates a new memory for the given owner.
func (s *MemoryService) Store(ctx context.Context, tenantID, userID string, req *db.CreateMemoryRequest) (*db.Memory, error) {
	if !db.ValidMemoryType(req.MemoryType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemoryType, req.MemoryType)
	}
	if req.Importance < 0 || req.Importance > 1 {
		return nil, fmt.Errorf("importance must be in [0,1], got %v: %w", req.Importance, ErrInvalidMemoryType)
	}

	memory := &db.Memory{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		UserID:     userID,
		MemoryType: req.MemoryType,
		Content:    req.Content,
		Embedding:  req.Embedding,
		Importance: req.Importance,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if memory.Importance == 0 {
		memory.Importance = 0.5
	}

	if err := s.db.WithContext(ctx).Create(memory).Error; err != nil {
		return nil, fmt.Errorf("failed to create memory: %w", err)
	}

	if s.indexer != nil {
		s.indexer.Index(ctx, memory)
	}

	return memory, nil
}

// Get retrieves a memory by ID, scoped to its owner.
func (s *MemoryService) Get(ctx context.Context, tenantID, userID, id string) (*db.Memory, error) {
	var memory db.Memory
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ?", id, tenantID, userID).
		First(&memory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &memory, nil
}

// List returns the owner's memories, optionally filtered by type, newest first.
func (s *MemoryService) List(ctx context.Context, tenantID, userID string, memoryType db.MemoryType) ([]db.Memory, error) {
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID)
	if memoryType != "" {
		if !db.ValidMemoryType(memoryType) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMemoryType, memoryType)
		}
		query = query.Where("memory_type = ?", memoryType)
	}

	var memories []db.Memory
	if err := query.Order("created_at DESC").Find(&memories).Error; err != nil {
		return nil, err
	}
	return memories, nil
}

// Update applies partial updates to a memory.
func (s *MemoryService) Update(ctx context.Context, tenantID, userID, id string, req *db.UpdateMemoryRequest) (*db.Memory, error) {
	memory, err := s.Get(ctx, tenantID, userID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Content != nil {
		updates["content"] = *req.Content
	}
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return nil, fmt.Errorf("importance must be in [0,1], got %v: %w", *req.Importance, ErrInvalidMemoryType)
		}
		updates["importance"] = *req.Importance
	}
	if req.ExpiresAt != nil {
		updates["expires_at"] = req.ExpiresAt
	}

	if err := s.db.WithContext(ctx).Model(memory).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}

	memory, err = s.Get(ctx, tenantID, userID, id)
	if err != nil {
		return nil, err
	}

	if s.indexer != nil && req.Content != nil {
		s.indexer.Index(ctx, memory)
	}

	return memory, nil
}

// Delete removes a memory.
func (s *MemoryService) Delete(ctx context.Context, tenantID, userID, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ?", id, tenantID, userID).
		Delete(&db.Memory{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMemoryNotFound
	}

	if s.indexer != nil {
		s.indexer.Remove(ctx, tenantID, userID, id)
	}

	return nil
}

// ========== Search ==========

// Search returns up to TopK memories ranked by relevance to the query,
// breaking ties by importance, then recency. Expired memories never appear
// even if the cleanup sweep has not removed them yet.
func (s *MemoryService) Search(ctx context.Context, tenantID, userID string, req *SearchMemoriesRequest) ([]MemorySearchResult, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.config.DefaultTopK
	}

	now := time.Now()
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Where("(expires_at IS NULL OR expires_at > ?)", now)
	if req.MemoryType != "" {
		if !db.ValidMemoryType(req.MemoryType) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMemoryType, req.MemoryType)
		}
		query = query.Where("memory_type = ?", req.MemoryType)
	}
	if req.MinImportance > 0 {
		query = query.Where("importance >= ?", req.MinImportance)
	}

	var candidates []db.Memory
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return []MemorySearchResult{}, nil
	}

	scores, err := s.scorer.Score(ctx, req.Query, candidates)
	if err != nil {
		return nil, fmt.Errorf("relevance scoring failed: %w", err)
	}

	results := make([]MemorySearchResult, 0, len(candidates))
	for i := range candidates {
		// Re-check expiry in case a memory expired between query and now.
		if candidates[i].Expired(time.Now()) {
			continue
		}
		results = append(results, MemorySearchResult{
			Memory:    candidates[i],
			Relevance: scores[i],
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		if results[i].Memory.Importance != results[j].Memory.Importance {
			return results[i].Memory.Importance > results[j].Memory.Importance
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// IncrementAccess records a retrieval: bumps the access counter, stamps
// last access, and nudges importance up by 0.01 capped at 1.
func (s *MemoryService) IncrementAccess(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&db.Memory{}).
		Where("id IN ?", memoryIDs).
		Updates(map[string]interface{}{
			"access_count": gorm.Expr("access_count + 1"),
			"importance":   gorm.Expr("MIN(1.0, importance + 0.01)"),
			"last_access":  time.Now(),
		}).Error
}

// ========== Lifecycle ==========

// GetExpiredMemories returns memories past their expiry.
func (s *MemoryService) GetExpiredMemories(ctx context.Context) ([]db.Memory, error) {
	var memories []db.Memory
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Find(&memories).Error
	return memories, err
}

// CleanupExpiredMemories deletes expired memories and returns the count.
func (s *MemoryService) CleanupExpiredMemories(ctx context.Context) (int, error) {
	expired, err := s.GetExpiredMemories(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, len(expired))
	for i := range expired {
		ids[i] = expired[i].ID
	}

	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.Memory{})
	if result.Error != nil {
		return 0, result.Error
	}

	if s.indexer != nil {
		for i := range expired {
			s.indexer.Remove(ctx, expired[i].TenantID, expired[i].UserID, expired[i].ID)
		}
	}

	return int(result.RowsAffected), nil
}

// Start starts the background cleanup goroutine
func (s *MemoryService) Start() {
	if !s.config.EnableAutoCleanup {
		return
	}

	go func() {
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if removed, err := s.CleanupExpiredMemories(ctx); err != nil {
					s.logger.Error("memory cleanup failed", "error", err)
				} else if removed > 0 {
					s.logger.Info("expired memories removed", "count", removed)
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()

	s.logger.Info("memory cleanup started", "interval", s.config.CleanupInterval)
}

// Stop stops the background cleanup goroutine
func (s *MemoryService) Stop() {
	close(s.stopCh)
}
