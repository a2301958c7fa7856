// Database models for chat messages
package db

import "time"

// ConversationMessage is one row of the append-only message log. Rows are
// never mutated after creation and are ordered by CreatedAt (ID breaks ties).
type ConversationMessage struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	Role    string `json:"role" gorm:"size:20;not null"` // user, assistant, system
	Content string `json:"content" gorm:"type:text"`
	Tokens  int    `json:"tokens"`
	Model   string `json:"model,omitempty" gorm:"size:100"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Finish reasons
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonError     = "error"
	FinishReasonCancelled = "cancelled"
)
