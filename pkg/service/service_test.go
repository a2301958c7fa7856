// Shared test fixtures for the service package
package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/parley-ai/parley/pkg/db"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return database
}

// stubChatModel returns canned responses and records its inputs.
type stubChatModel struct {
	reply      string
	streamed   []string
	err        error
	lastInput  []*schema.Message
	generateCh chan struct{} // when set, Generate blocks until closed
}

func (m *stubChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.lastInput = in
	if m.generateCh != nil {
		select {
		case <-m.generateCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: m.reply,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
		},
	}, nil
}

func (m *stubChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.lastInput = in
	if m.err != nil {
		return nil, m.err
	}
	frames := make([]*schema.Message, 0, len(m.streamed))
	for _, part := range m.streamed {
		frames = append(frames, &schema.Message{Role: schema.Assistant, Content: part})
	}
	return schema.StreamReaderFromArray(frames), nil
}

func seedConversation(t *testing.T, database *gorm.DB, tenantID, userID string) *db.Conversation {
	t.Helper()
	conv := &db.Conversation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Title:     "test",
		Status:    db.ConversationStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := database.Create(conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

// seedMessages appends n messages of fixed token cost, alternating user and
// assistant roles, with strictly increasing timestamps.
func seedMessages(t *testing.T, database *gorm.DB, conversationID string, n, tokens int) []db.ConversationMessage {
	t.Helper()
	base := time.Now().Add(-time.Duration(n) * time.Second)
	messages := make([]db.ConversationMessage, 0, n)
	for i := 0; i < n; i++ {
		role := db.RoleUser
		if i%2 == 1 {
			role = db.RoleAssistant
		}
		msg := db.ConversationMessage{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           role,
			Content:        "message content",
			Tokens:         tokens,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := database.Create(&msg).Error; err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		messages = append(messages, msg)
	}
	return messages
}
