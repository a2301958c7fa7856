// Prompt template management with versioning and A/B selection
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

// PromptService manages versioned prompt templates. A prompt name can have
// several active versions split into A/B groups; Resolve picks one
// deterministically from the caller's stable key.
type PromptService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewPromptService(database *gorm.DB) *PromptService {
	return &PromptService{
		db:     database,
		logger: utils.GetLogger(),
	}
}

// ========== CRUD Operations ==========

// Create stores a new prompt version. (tenant, name, version) must be unique.
func (s *PromptService) Create(ctx context.Context, tenantID string, req *models.CreatePromptRequest) (*db.Prompt, error) {
	if err := req.Variables.Validate(); err != nil {
		return nil, fmt.Errorf("invalid variables: %v: %w", err, ErrInvalidInput)
	}
	if req.ABTestPercentage < 0 || req.ABTestPercentage > 100 {
		return nil, fmt.Errorf("ab_test_percentage must be in [0,100], got %d: %w", req.ABTestPercentage, ErrInvalidInput)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&db.Prompt{}).
		Where("tenant_id = ? AND name = ? AND version = ?", tenantID, req.Name, req.Version).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%s@%s: %w", req.Name, req.Version, ErrPromptExists)
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	prompt := &db.Prompt{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Name:             req.Name,
		Version:          req.Version,
		Content:          req.Content,
		Variables:        req.Variables,
		Category:         req.Category,
		IsActive:         isActive,
		IsSystem:         req.IsSystem,
		ABTestGroup:      req.ABTestGroup,
		ABTestPercentage: req.ABTestPercentage,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(prompt).Error; err != nil {
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	return prompt, nil
}

// Get retrieves a prompt version by ID, scoped to the tenant.
func (s *PromptService) Get(ctx context.Context, tenantID, id string) (*db.Prompt, error) {
	var prompt db.Prompt
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&prompt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &prompt, nil
}

// List returns the tenant's prompts, optionally filtered by name or category.
func (s *PromptService) List(ctx context.Context, tenantID, name, category string) ([]db.Prompt, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if name != "" {
		query = query.Where("name = ?", name)
	}
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var prompts []db.Prompt
	if err := query.Order("name ASC, version ASC").Find(&prompts).Error; err != nil {
		return nil, err
	}
	return prompts, nil
}

// SetActive toggles a prompt version's active flag.
func (s *PromptService) SetActive(ctx context.Context, tenantID, id string, active bool) (*db.Prompt, error) {
	prompt, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(prompt).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id)
}

// Delete removes a prompt version. System prompts cannot be deleted.
func (s *PromptService) Delete(ctx context.Context, tenantID, id string) error {
	prompt, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if prompt.IsSystem {
		return fmt.Errorf("system prompt %s cannot be deleted", prompt.Name)
	}
	return s.db.WithContext(ctx).Delete(prompt).Error
}

// ========== Resolution ==========

// Resolve picks the prompt version to serve for a name. The stable key is
// hashed into a bucket in [0,100); A/B groups claim cumulative percentage
// ranges in group name order, and a bucket past the claimed range falls
// through to the default selection. The same key always resolves to the
// same version while the version set is unchanged.
func (s *PromptService) Resolve(ctx context.Context, tenantID, name, stableKey string) (*db.Prompt, error) {
	var candidates []db.Prompt
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ? AND is_active = ?", tenantID, name, true).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no active version of %q: %w", name, ErrPromptNotFound)
	}

	var grouped, ungrouped []db.Prompt
	for _, p := range candidates {
		if p.ABTestGroup != "" && p.ABTestPercentage > 0 {
			grouped = append(grouped, p)
		} else {
			ungrouped = append(ungrouped, p)
		}
	}

	if len(grouped) > 0 {
		bucket := int(hashBucket(stableKey))

		// Groups claim ranges in group name order so the mapping is stable
		// regardless of row insertion order.
		sort.SliceStable(grouped, func(i, j int) bool {
			if grouped[i].ABTestGroup != grouped[j].ABTestGroup {
				return grouped[i].ABTestGroup < grouped[j].ABTestGroup
			}
			return grouped[i].Version < grouped[j].Version
		})

		cumulative := 0
		for i := range grouped {
			cumulative += grouped[i].ABTestPercentage
			if bucket < cumulative {
				return &grouped[i], nil
			}
			if cumulative >= 100 {
				break
			}
		}
		// Bucket falls outside the claimed range.
	}

	return defaultSelection(ungrouped, candidates), nil
}

// defaultSelection prefers non-grouped versions, then the highest version
// string, so rollout experiments degrade to the stable version.
func defaultSelection(ungrouped, all []db.Prompt) *db.Prompt {
	pool := ungrouped
	if len(pool) == 0 {
		pool = all
	}
	best := &pool[0]
	for i := 1; i < len(pool); i++ {
		if pool[i].Version > best.Version {
			best = &pool[i]
		}
	}
	return best
}

// hashBucket maps a stable key into [0,100) with FNV-1a.
func hashBucket(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % 100
}

// ========== Rendering ==========

// RenderContent substitutes {{name}} placeholders in the prompt content.
// Missing values fall back to declared defaults; a missing required
// variable or a value that fails its declared type is an error.
func (s *PromptService) RenderContent(prompt *db.Prompt, values map[string]string) (string, error) {
	resolved := make(map[string]string, len(prompt.Variables))
	for name, def := range prompt.Variables {
		value, ok := values[name]
		if !ok {
			if def.Required && def.Default == "" {
				return "", fmt.Errorf("required variable %q not provided", name)
			}
			value = def.Default
		}
		if err := checkVariableType(name, def.Type, value); err != nil {
			return "", err
		}
		resolved[name] = value
	}

	content := prompt.Content
	for name, value := range resolved {
		content = strings.ReplaceAll(content, "{{"+name+"}}", value)
	}
	return content, nil
}

func checkVariableType(name string, varType db.VariableType, value string) error {
	if value == "" {
		return nil
	}
	switch varType {
	case db.VariableTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("variable %q: %q is not a number", name, value)
		}
	case db.VariableTypeBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("variable %q: %q is not a boolean", name, value)
		}
	}
	return nil
}

// ========== Counters ==========

// IncrementUsage bumps the usage counter after a prompt was served.
func (s *PromptService) IncrementUsage(ctx context.Context, promptID string) error {
	return s.db.WithContext(ctx).Model(&db.Prompt{}).
		Where("id = ?", promptID).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}

// RecordInteraction records one interaction outcome. The success rate is
// never stored; it is recomputed from the two counters on read.
func (s *PromptService) RecordInteraction(ctx context.Context, tenantID, promptID string, success bool) error {
	updates := map[string]interface{}{
		"total_interactions": gorm.Expr("total_interactions + 1"),
		"updated_at":         time.Now(),
	}
	if success {
		updates["success_count"] = gorm.Expr("success_count + 1")
	}

	result := s.db.WithContext(ctx).Model(&db.Prompt{}).
		Where("id = ? AND tenant_id = ?", promptID, tenantID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// Stats returns the counters and computed success rate for a prompt version.
func (s *PromptService) Stats(ctx context.Context, tenantID, promptID string) (*models.PromptStats, error) {
	prompt, err := s.Get(ctx, tenantID, promptID)
	if err != nil {
		return nil, err
	}
	return &models.PromptStats{
		PromptID:          prompt.ID,
		UsageCount:        prompt.UsageCount,
		SuccessCount:      prompt.SuccessCount,
		TotalInteractions: prompt.TotalInteractions,
		SuccessRate:       prompt.SuccessRate(),
	}, nil
}
