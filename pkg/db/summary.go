// Database models for context summaries
package db

import "time"

// ContextSummary is a lossy compaction of the oldest part of a conversation's
// message log. MessageCount and TotalTokens are cumulative from the start of
// the log, so a summary fully covers any excluded prefix of up to
// MessageCount messages. Rows for a conversation are strictly time-ordered;
// MessageCount never exceeds the conversation's TotalMessages.
type ContextSummary struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	MessageCount int `json:"message_count"`
	TotalTokens  int `json:"total_tokens"`

	Summary   string      `json:"summary" gorm:"type:text"`
	KeyPoints StringArray `json:"key_points" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ContextSummary) TableName() string {
	return "context_summaries"
}
