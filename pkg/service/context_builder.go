// Context window assembly for chat turns
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

// ContextWindow is the bounded slice of conversation history sent to the
// model for one turn. Messages are ordered oldest to newest.
type ContextWindow struct {
	Messages    []db.ConversationMessage `json:"messages"`
	TotalTokens int                      `json:"total_tokens"`
	IsTruncated bool                     `json:"is_truncated"`

	// BudgetExceeded is set when the keep-last floor alone costs more than
	// the token budget. The floor wins, but the condition is observable.
	BudgetExceeded bool `json:"budget_exceeded,omitempty"`

	// Summary covers the excluded prefix when one fully covering it exists.
	Summary *db.ContextSummary `json:"summary,omitempty"`
}

// ContextBuilder assembles context windows from the durable message log.
type ContextBuilder struct {
	db        *gorm.DB
	estimator TokenEstimator
	logger    *slog.Logger
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(database *gorm.DB, estimator TokenEstimator) *ContextBuilder {
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &ContextBuilder{
		db:        database,
		estimator: estimator,
		logger:    utils.GetLogger(),
	}
}

// ValidateContextConfig rejects unusable policies.
func ValidateContextConfig(cfg models.ContextConfig) error {
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidContextConfig, cfg.MaxTokens)
	}
	if cfg.MaxMessages <= 0 {
		return fmt.Errorf("%w: max_messages must be positive, got %d", ErrInvalidContextConfig, cfg.MaxMessages)
	}
	if cfg.KeepLastMessages < 0 {
		return fmt.Errorf("%w: keep_last_messages must not be negative, got %d", ErrInvalidContextConfig, cfg.KeepLastMessages)
	}
	if cfg.KeepLastMessages > cfg.MaxMessages {
		return fmt.Errorf("%w: keep_last_messages %d exceeds max_messages %d", ErrInvalidContextConfig, cfg.KeepLastMessages, cfg.MaxMessages)
	}
	return nil
}

// Build loads the full ordered message log for a conversation and trims it
// to the configured budgets.
//
// The most recent KeepLastMessages are always retained verbatim. Older
// messages are added newest-first while both budgets allow; whatever falls
// off is represented by the newest ContextSummary that fully covers it, or
// simply dropped. Truncation never splits a message. Repeated calls on an
// unchanged conversation return an identical window.
func (b *ContextBuilder) Build(ctx context.Context, conversationID string, cfg models.ContextConfig) (*ContextWindow, error) {
	if err := ValidateContextConfig(cfg); err != nil {
		return nil, err
	}

	var messages []db.ConversationMessage
	if err := b.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load message log: %w", err)
	}

	window := &ContextWindow{Messages: []db.ConversationMessage{}}
	if len(messages) == 0 {
		return window, nil
	}

	total := SumMessageTokens(b.estimator, messages)
	if total <= cfg.MaxTokens && len(messages) <= cfg.MaxMessages {
		window.Messages = messages
		window.TotalTokens = total
		return window, nil
	}

	window.IsTruncated = true

	// The keep-last tail is a hard floor: it is never dropped or summarized,
	// even when it alone exceeds the token budget.
	keep := cfg.KeepLastMessages
	if keep > len(messages) {
		keep = len(messages)
	}
	tailStart := len(messages) - keep
	tailTokens := SumMessageTokens(b.estimator, messages[tailStart:])
	if tailTokens > cfg.MaxTokens {
		window.BudgetExceeded = true
		b.logger.Warn("keep-last floor exceeds token budget",
			"conversationID", conversationID,
			"tailTokens", tailTokens,
			"maxTokens", cfg.MaxTokens)
	}

	// Walk backward from just before the tail, greedily adding older
	// messages while the remaining budgets allow.
	remaining := cfg.MaxTokens - tailTokens
	start := tailStart
	count := keep
	for i := tailStart - 1; i >= 0; i-- {
		cost := MessageTokens(b.estimator, &messages[i])
		if count+1 > cfg.MaxMessages || cost > remaining {
			break
		}
		remaining -= cost
		count++
		start = i
	}

	window.Messages = messages[start:]
	window.TotalTokens = SumMessageTokens(b.estimator, window.Messages)

	if start > 0 {
		summary, err := b.coveringSummary(ctx, conversationID, start)
		if err != nil {
			return nil, err
		}
		window.Summary = summary
	}

	return window, nil
}

// coveringSummary returns the newest summary that fully covers the excluded
// prefix of excludedCount messages, or nil when none does.
func (b *ContextBuilder) coveringSummary(ctx context.Context, conversationID string, excludedCount int) (*db.ContextSummary, error) {
	var summary db.ContextSummary
	err := b.db.WithContext(ctx).
		Where("conversation_id = ? AND message_count >= ?", conversationID, excludedCount).
		Order("created_at DESC, id DESC").
		First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load covering summary: %w", err)
	}
	return &summary, nil
}
