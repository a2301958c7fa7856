// History compaction into context summaries
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

// Summarizer compresses the oldest part of a conversation's message log into
// ContextSummary rows. Summarization is best-effort: it runs off the chat
// response path, and a failed attempt is simply retried on a later turn.
type Summarizer struct {
	db        *gorm.DB
	chatModel model.BaseChatModel
	estimator TokenEstimator
	memories  *MemoryService
	logger    *slog.Logger
}

// NewSummarizer creates a new summarizer. memories is optional; when set,
// facts and preferences extracted during compaction are stored as memories.
func NewSummarizer(database *gorm.DB, chatModel model.BaseChatModel, estimator TokenEstimator, memories *MemoryService) *Summarizer {
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &Summarizer{
		db:        database,
		chatModel: chatModel,
		estimator: estimator,
		memories:  memories,
		logger:    utils.GetLogger(),
	}
}

// summaryExtraction is the structured output requested from the model.
type summaryExtraction struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points"`
	ExtractedFacts  []string `json:"extracted_facts"`
	UserPreferences []string `json:"user_preferences"`
}

// CreateSummary compacts the oldest unsummarized block of the conversation,
// excluding the keep-last tail, when the unsummarized prefix exceeds the
// summarize threshold. Below the threshold it is a no-op, never an error.
// maxMessages caps the compressed block size; 0 means no cap.
//
// The current log is always re-read; no cached snapshot is trusted.
func (s *Summarizer) CreateSummary(ctx context.Context, conversationID string, cfg models.ContextConfig, maxMessages int) (*db.ContextSummary, error) {
	var messages []db.ConversationMessage
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load message log: %w", err)
	}

	covered, coveredTokens := 0, 0
	if latest, err := s.latestSummary(ctx, conversationID); err != nil {
		return nil, err
	} else if latest != nil {
		covered = latest.MessageCount
		coveredTokens = latest.TotalTokens
	}

	prefixEnd := len(messages) - cfg.KeepLastMessages
	if prefixEnd <= covered {
		return nil, nil
	}

	// The trigger looks at the whole unsummarized prefix; the cap only
	// limits how much of it is compressed in one pass.
	prefix := messages[covered:prefixEnd]
	if SumMessageTokens(s.estimator, prefix) <= cfg.SummarizeThreshold {
		return nil, nil
	}

	block := prefix
	if maxMessages > 0 && len(block) > maxMessages {
		block = block[:maxMessages]
	}
	blockTokens := SumMessageTokens(s.estimator, block)

	var previous string
	if covered > 0 {
		if latest, err := s.latestSummary(ctx, conversationID); err == nil && latest != nil {
			previous = latest.Summary
		}
	}

	extracted, err := s.generate(ctx, block, previous)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	summary := &db.ContextSummary{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		MessageCount:   covered + len(block),
		TotalTokens:    coveredTokens + blockTokens,
		Summary:        extracted.Summary,
		KeyPoints:      db.StringArray(extracted.KeyPoints),
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		return nil, fmt.Errorf("create summary: %w", err)
	}

	s.harvestMemories(ctx, conversationID, extracted)

	s.logger.Info("conversation summarized",
		"conversationID", conversationID,
		"coveredMessages", summary.MessageCount,
		"blockTokens", blockTokens)

	return summary, nil
}

// UpdateSummary recomputes a summary over its covered range. It is
// idempotent: when the covered message set is unchanged the stored row is
// returned as-is.
func (s *Summarizer) UpdateSummary(ctx context.Context, summaryID string) (*db.ContextSummary, error) {
	var summary db.ContextSummary
	if err := s.db.WithContext(ctx).First(&summary, "id = ?", summaryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("summary %s: %w", summaryID, ErrMessageNotFound)
		}
		return nil, err
	}

	var covered []db.ConversationMessage
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", summary.ConversationID).
		Order("created_at ASC, id ASC").
		Limit(summary.MessageCount).
		Find(&covered).Error; err != nil {
		return nil, fmt.Errorf("load covered messages: %w", err)
	}

	coveredTokens := SumMessageTokens(s.estimator, covered)
	if coveredTokens == summary.TotalTokens && summary.Summary != "" {
		return &summary, nil
	}

	extracted, err := s.generate(ctx, covered, "")
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	updates := map[string]interface{}{
		"summary":      extracted.Summary,
		"key_points":   db.StringArray(extracted.KeyPoints),
		"total_tokens": coveredTokens,
		"updated_at":   time.Now(),
	}
	if err := s.db.WithContext(ctx).Model(&summary).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update summary: %w", err)
	}

	return s.getSummary(ctx, summaryID)
}

func (s *Summarizer) latestSummary(ctx context.Context, conversationID string) (*db.ContextSummary, error) {
	var summary db.ContextSummary
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest summary: %w", err)
	}
	return &summary, nil
}

func (s *Summarizer) getSummary(ctx context.Context, id string) (*db.ContextSummary, error) {
	var summary db.ContextSummary
	if err := s.db.WithContext(ctx).First(&summary, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}

// generate asks the model for a structured summary of the block.
func (s *Summarizer) generate(ctx context.Context, block []db.ConversationMessage, previous string) (*summaryExtraction, error) {
	var convText strings.Builder
	for i := range block {
		if block[i].Content == "" {
			continue
		}
		fmt.Fprintf(&convText, "[%s]: %s\n\n", block[i].Role, block[i].Content)
	}

	var sb strings.Builder
	sb.WriteString(`Analyze the following conversation history and generate a structured summary.

Output a JSON object with these fields:
{
  "summary": "Comprehensive summary of the conversation including main topics, progress made, and current state",
  "key_points": ["point1", "point2", ...],
  "extracted_facts": ["fact1", "fact2", ...],
  "user_preferences": ["preference1", "preference2", ...]
}

Requirements:
1. The summary must carry enough detail to continue the conversation without the original messages
2. Extract factual information that might be useful later
3. Capture user preferences or instructions explicitly stated
4. Be objective and concise

`)
	if previous != "" {
		sb.WriteString("Summary of even earlier history (fold it in):\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation History:\n")
	sb.WriteString(convText.String())
	sb.WriteString("\nOutput JSON only, no other text:")

	resp, err := s.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(sb.String())})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	if idx := strings.Index(content, "{"); idx >= 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}

	var result summaryExtraction
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		// Fall back to the raw completion as an unstructured summary.
		s.logger.Warn("failed to parse summary JSON, using raw content", "error", err)
		result = summaryExtraction{Summary: resp.Content}
	}

	return &result, nil
}

// harvestMemories stores extracted facts and preferences as memories.
// Best-effort: failures are logged and never surfaced.
func (s *Summarizer) harvestMemories(ctx context.Context, conversationID string, extracted *summaryExtraction) {
	if s.memories == nil {
		return
	}

	var conv db.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		s.logger.Warn("memory harvest skipped, conversation not loadable", "conversationID", conversationID, "error", err)
		return
	}

	store := func(memType db.MemoryType, content string, importance float64) {
		_, err := s.memories.Store(ctx, conv.TenantID, conv.UserID, &db.CreateMemoryRequest{
			MemoryType: memType,
			Content:    content,
			Importance: importance,
		})
		if err != nil {
			s.logger.Warn("memory harvest failed", "conversationID", conversationID, "error", err)
		}
	}

	for _, fact := range extracted.ExtractedFacts {
		store(db.MemoryTypeFact, fact, 0.6)
	}
	for _, pref := range extracted.UserPreferences {
		store(db.MemoryTypePreference, pref, 0.75)
	}
}
