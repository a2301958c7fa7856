// API types for the chat boundary
package models

import (
	"time"

	"github.com/parley-ai/parley/pkg/db"
)

// ========== Type aliases for database types ==========
// These allow other packages to use models.Conversation instead of db.Conversation

type Conversation = db.Conversation
type ConversationMessage = db.ConversationMessage
type ContextSummary = db.ContextSummary
type Memory = db.Memory
type Prompt = db.Prompt

// ========== Constant aliases from db package ==========

const (
	ConversationStatusActive   = db.ConversationStatusActive
	ConversationStatusArchived = db.ConversationStatusArchived
	ConversationStatusDeleted  = db.ConversationStatusDeleted
)

const (
	RoleUser      = db.RoleUser
	RoleAssistant = db.RoleAssistant
	RoleSystem    = db.RoleSystem
)

const (
	FinishReasonStop      = db.FinishReasonStop
	FinishReasonLength    = db.FinishReasonLength
	FinishReasonError     = db.FinishReasonError
	FinishReasonCancelled = db.FinishReasonCancelled
)

// ========== Context policy ==========

// ContextConfig is the per-call context-window policy. It is supplied by the
// caller or defaulted; it is not a persisted entity.
type ContextConfig struct {
	MaxTokens          int  `json:"max_tokens"`
	MaxMessages        int  `json:"max_messages"`
	AutoSummarize      bool `json:"auto_summarize"`
	SummarizeThreshold int  `json:"summarize_threshold"`
	KeepLastMessages   int  `json:"keep_last_messages"`
}

// DefaultContextConfig returns the default context policy.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxTokens:          4096,
		MaxMessages:        50,
		AutoSummarize:      true,
		SummarizeThreshold: 3000,
		KeepLastMessages:   10,
	}
}

// ========== Chat API types ==========

// ChatRequest represents a chat turn request.
type ChatRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"` // Existing conversation to continue
	Message        string         `json:"message" binding:"required"`
	Model          string         `json:"model,omitempty"`
	Temperature    *float32       `json:"temperature,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	PromptID       string         `json:"prompt_id,omitempty"` // Bypass prompt selection
	PromptName     string         `json:"prompt_name,omitempty"`
	Context        *ContextConfig `json:"context,omitempty"` // Per-call policy override
}

// ChatResponse represents a completed chat turn.
type ChatResponse struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatChunk is one element of a streaming chat response. The terminal chunk
// carries a non-nil FinishReason; all earlier chunks leave it nil.
type ChatChunk struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	Role           string  `json:"role"`
	Content        string  `json:"content"`         // accumulated content so far
	Delta          string  `json:"delta"`           // this chunk's increment
	FinishReason   *string `json:"finish_reason,omitempty"`
}

// ========== Conversation API types ==========

// CreateConversationRequest represents a request to create a conversation
type CreateConversationRequest struct {
	Title      string `json:"title,omitempty"`
	Model      string `json:"model,omitempty"`
	PromptName string `json:"prompt_name,omitempty"`
}

// UpdateConversationRequest represents a request to update a conversation
type UpdateConversationRequest struct {
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// ConversationListResponse represents the response for listing conversations
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

// ========== Prompt API types ==========

// CreatePromptRequest represents a request to create a prompt version.
type CreatePromptRequest struct {
	Name             string         `json:"name" binding:"required"`
	Version          string         `json:"version" binding:"required"`
	Content          string         `json:"content" binding:"required"`
	Variables        db.VariableMap `json:"variables,omitempty"`
	Category         string         `json:"category,omitempty"`
	IsActive         *bool          `json:"is_active,omitempty"`
	IsSystem         bool           `json:"is_system,omitempty"`
	ABTestGroup      string         `json:"ab_test_group,omitempty"`
	ABTestPercentage int            `json:"ab_test_percentage,omitempty"`
}

// PromptStats reports counters plus the read-time success ratio.
type PromptStats struct {
	PromptID          string  `json:"prompt_id"`
	UsageCount        int64   `json:"usage_count"`
	SuccessCount      int64   `json:"success_count"`
	TotalInteractions int64   `json:"total_interactions"`
	SuccessRate       float64 `json:"success_rate"`
}
