// Database models for chat conversations
package db

import "time"

// Conversation represents a chat conversation owned by a tenant user.
//
// TotalMessages and TotalTokens must always equal the aggregate of the
// conversation's durably stored messages; they are incremented in the same
// transaction that inserts a message.
type Conversation struct {
	ID       string `json:"id" gorm:"primaryKey;size:36"`
	TenantID string `json:"tenant_id" gorm:"index:idx_conversation_owner;size:36;not null"`
	UserID   string `json:"user_id" gorm:"index:idx_conversation_owner;size:36;not null"`

	Title  string `json:"title" gorm:"size:200;default:'New Chat'"`
	Status string `json:"status" gorm:"size:20;default:'active'"` // active, archived, deleted
	Model  string `json:"model,omitempty" gorm:"size:100"`

	// PromptName references the prompt family resolved for each turn.
	PromptName string `json:"prompt_name,omitempty" gorm:"size:100"`

	TotalMessages int `json:"total_messages" gorm:"default:0"`
	TotalTokens   int `json:"total_tokens" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Conversation status
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusDeleted  = "deleted"
)
