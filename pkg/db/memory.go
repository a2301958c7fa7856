// Database models for the memory system
package db

import "time"

// MemoryType defines the type of memory content
type MemoryType string

const (
	MemoryTypeFact       MemoryType = "fact"       // Factual information
	MemoryTypePreference MemoryType = "preference" // User preferences
	MemoryTypeBehavior   MemoryType = "behavior"   // Observed behavior patterns
	MemoryTypeSkill      MemoryType = "skill"      // Learned skills or abilities
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryTypeFact, MemoryTypePreference, MemoryTypeBehavior, MemoryTypeSkill:
		return true
	}
	return false
}

// Memory represents a durable piece of knowledge about a user, distinct from
// the turn-by-turn message log. A memory past its ExpiresAt is invisible to
// search regardless of when the cleanup sweep physically removes the row.
type Memory struct {
	ID       string `json:"id" gorm:"primaryKey;size:36"`
	TenantID string `json:"tenant_id" gorm:"index:idx_memory_owner;size:36;not null"`
	UserID   string `json:"user_id" gorm:"index:idx_memory_owner;size:36;not null"`

	MemoryType MemoryType `json:"memory_type" gorm:"index;size:20;not null"`
	Content    string     `json:"content" gorm:"type:text;not null"`

	// Embedding is an opaque blob owned by whatever relevance capability is
	// plugged in; the core never interprets it.
	Embedding []byte `json:"-" gorm:"type:blob"`

	// Importance is bounded to [0,1] and may only be nudged upward on access.
	Importance  float64    `json:"importance" gorm:"default:0.5"`
	AccessCount int        `json:"access_count" gorm:"default:0"`
	LastAccess  *time.Time `json:"last_access,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Memory) TableName() string {
	return "memories"
}

// Expired reports whether the memory is past its expiry at the given time.
// A memory expiring exactly at now counts as expired, matching the SQL
// filters which keep only rows with expires_at > now.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// CreateMemoryRequest represents a request to create a memory
type CreateMemoryRequest struct {
	MemoryType MemoryType `json:"memory_type" binding:"required"`
	Content    string     `json:"content" binding:"required"`
	Embedding  []byte     `json:"embedding,omitempty"`
	Importance float64    `json:"importance"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// UpdateMemoryRequest represents a request to update a memory
type UpdateMemoryRequest struct {
	Content    *string    `json:"content,omitempty"`
	Importance *float64   `json:"importance,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}
