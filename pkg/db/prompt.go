// Database models for prompt templates
package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// VariableType enumerates the types a prompt variable may declare.
type VariableType string

const (
	VariableTypeString  VariableType = "string"
	VariableTypeNumber  VariableType = "number"
	VariableTypeBoolean VariableType = "boolean"
)

// PromptVariable describes one template variable of a prompt.
type PromptVariable struct {
	Type        VariableType `json:"type"`
	Default     string       `json:"default,omitempty"`
	Required    bool         `json:"required,omitempty"`
	Description string       `json:"description,omitempty"`
}

// VariableMap maps variable name to its typed descriptor, stored as JSON.
type VariableMap map[string]PromptVariable

// Value implements driver.Valuer for VariableMap
func (v VariableMap) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner for VariableMap
func (v *VariableMap) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var bytes []byte
	switch val := value.(type) {
	case []byte:
		bytes = val
	case string:
		bytes = []byte(val)
	default:
		return errors.New("type assertion to []byte or string failed")
	}
	return json.Unmarshal(bytes, v)
}

// Validate checks that every descriptor declares a known type.
func (v VariableMap) Validate() error {
	for name, def := range v {
		switch def.Type {
		case VariableTypeString, VariableTypeNumber, VariableTypeBoolean:
		default:
			return fmt.Errorf("variable %q has unknown type %q", name, def.Type)
		}
	}
	return nil
}

// Prompt is one version of a named prompt template. (TenantID, Name, Version)
// is unique; the versions of a name that carry an ABTestGroup partition
// traffic by ABTestPercentage.
//
// SuccessCount is a raw numerator; the success rate is computed at read time
// against TotalInteractions, never stored.
type Prompt struct {
	ID       string `json:"id" gorm:"primaryKey;size:36"`
	TenantID string `json:"tenant_id" gorm:"uniqueIndex:idx_prompt_tenant_name_version;size:36;not null"`
	Name     string `json:"name" gorm:"uniqueIndex:idx_prompt_tenant_name_version;size:100;not null"`
	Version  string `json:"version" gorm:"uniqueIndex:idx_prompt_tenant_name_version;size:50;not null"`

	Content   string      `json:"content" gorm:"type:text;not null"`
	Variables VariableMap `json:"variables,omitempty" gorm:"type:json"`
	Category  string      `json:"category,omitempty" gorm:"index;size:100"`

	IsActive bool `json:"is_active" gorm:"default:true"`
	IsSystem bool `json:"is_system" gorm:"default:false"`

	ABTestGroup      string `json:"ab_test_group,omitempty" gorm:"size:50"`
	ABTestPercentage int    `json:"ab_test_percentage" gorm:"default:0"`

	UsageCount        int64 `json:"usage_count" gorm:"default:0"`
	SuccessCount      int64 `json:"success_count" gorm:"default:0"`
	TotalInteractions int64 `json:"total_interactions" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Prompt) TableName() string {
	return "prompts"
}

// SuccessRate returns the ratio of successful interactions, 0 when the
// prompt has not been used yet.
func (p *Prompt) SuccessRate() float64 {
	if p.TotalInteractions == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.TotalInteractions)
}
