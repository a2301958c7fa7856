package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T, database *gorm.DB, chatModel *stubChatModel) *ConversationEngine {
	t.Helper()
	modelSvc := NewModelService(&config.ModelConfig{APIKey: "test-key", Name: "stub"})
	modelSvc.RegisterChatModel("stub", chatModel)

	defaults := testPolicy()
	defaults.AutoSummarize = false

	return NewConversationEngine(database, EngineOptions{
		Models:   modelSvc,
		Prompts:  NewPromptService(database),
		Defaults: &defaults,
	})
}

func TestChat_HappyPath(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{reply: "Hello there!"}
	engine := newTestEngine(t, database, chatModel)
	ctx := context.Background()

	resp, err := engine.Chat(ctx, "t1", "u1", &models.ChatRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello there!" {
		t.Fatalf("Content = %q", resp.Content)
	}
	if resp.Role != db.RoleAssistant {
		t.Fatalf("Role = %q, want assistant", resp.Role)
	}

	// Both turn messages are durable and the counters match the log.
	var conv db.Conversation
	if err := database.First(&conv, "id = ?", resp.ConversationID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.TotalMessages != 2 {
		t.Fatalf("TotalMessages = %d, want 2", conv.TotalMessages)
	}

	var messages []db.ConversationMessage
	if err := database.Where("conversation_id = ?", conv.ID).
		Order("created_at ASC, id ASC").Find(&messages).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("log has %d messages, want 2", len(messages))
	}
	if messages[0].Role != db.RoleUser || messages[1].Role != db.RoleAssistant {
		t.Fatal("log order must be user then assistant")
	}

	tokenSum := 0
	for _, m := range messages {
		tokenSum += m.Tokens
	}
	if conv.TotalTokens != tokenSum {
		t.Fatalf("TotalTokens = %d, log sums to %d", conv.TotalTokens, tokenSum)
	}
}

func TestChat_ModelFailureKeepsUserMessage(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{err: errors.New("upstream 500")}
	engine := newTestEngine(t, database, chatModel)
	ctx := context.Background()

	conv := seedConversation(t, database, "t1", "u1")
	_, err := engine.Chat(ctx, "t1", "u1", &models.ChatRequest{
		ConversationID: conv.ID,
		Message:        "Hi",
	})
	if !errors.Is(err, ErrModelUpstream) {
		t.Fatalf("expected ErrModelUpstream, got %v", err)
	}

	// The user message survives the failed turn.
	var messages []db.ConversationMessage
	if err := database.Where("conversation_id = ?", conv.ID).Find(&messages).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != db.RoleUser {
		t.Fatalf("expected exactly the user message, got %d messages", len(messages))
	}

	var reloaded db.Conversation
	if err := database.First(&reloaded, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if reloaded.TotalMessages != 1 {
		t.Fatalf("TotalMessages = %d, want 1", reloaded.TotalMessages)
	}
}

func TestChat_TimeoutLeavesPartialState(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{reply: "too late", generateCh: make(chan struct{})}
	engine := newTestEngine(t, database, chatModel)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	conv := seedConversation(t, database, "t1", "u1")
	_, err := engine.Chat(ctx, "t1", "u1", &models.ChatRequest{
		ConversationID: conv.ID,
		Message:        "Hi",
	})
	if !errors.Is(err, ErrModelUpstream) {
		t.Fatalf("expected ErrModelUpstream on timeout, got %v", err)
	}

	// The user message and its counter bump are the only durable state.
	var reloaded db.Conversation
	if err := database.First(&reloaded, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if reloaded.TotalMessages != 1 {
		t.Fatalf("TotalMessages = %d, want 1", reloaded.TotalMessages)
	}

	var count int64
	if err := database.Model(&db.ConversationMessage{}).
		Where("conversation_id = ? AND role = ?", conv.ID, db.RoleAssistant).
		Count(&count).Error; err != nil {
		t.Fatalf("count assistant messages: %v", err)
	}
	if count != 0 {
		t.Fatal("no assistant message may be persisted for a timed-out turn")
	}
}

func TestChat_RejectsEmptyMessage(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "x"})

	_, err := engine.Chat(context.Background(), "t1", "u1", &models.ChatRequest{Message: "   "})
	if !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
}

func TestChat_RejectsNonActiveConversation(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "x"})
	ctx := context.Background()

	conv := seedConversation(t, database, "t1", "u1")
	if err := database.Model(conv).Update("status", db.ConversationStatusArchived).Error; err != nil {
		t.Fatalf("archive conversation: %v", err)
	}

	_, err := engine.Chat(ctx, "t1", "u1", &models.ChatRequest{
		ConversationID: conv.ID,
		Message:        "Hi",
	})
	if !errors.Is(err, ErrConversationNotActive) {
		t.Fatalf("expected ErrConversationNotActive, got %v", err)
	}
}

func TestChat_OwnerScoping(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "x"})
	ctx := context.Background()

	conv := seedConversation(t, database, "t1", "u1")
	_, err := engine.Chat(ctx, "t1", "other-user", &models.ChatRequest{
		ConversationID: conv.ID,
		Message:        "Hi",
	})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestChat_UnresolvablePromptNameFails(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "ok"})

	_, err := engine.Chat(context.Background(), "t1", "u1", &models.ChatRequest{
		Message:    "Hi",
		PromptName: "no-such-prompt",
	})
	if !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}
}

func TestChat_RejectsUnknownStatus(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "x"})

	conv := seedConversation(t, database, "t1", "u1")
	_, err := engine.UpdateConversation(context.Background(), "t1", "u1", conv.ID, &models.UpdateConversationRequest{
		Status: "bogus",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestChat_SendsWindowToModel(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{reply: "ok"}
	engine := newTestEngine(t, database, chatModel)
	ctx := context.Background()

	conv := seedConversation(t, database, "t1", "u1")
	seedMessages(t, database, conv.ID, 4, 10)

	if _, err := engine.Chat(ctx, "t1", "u1", &models.ChatRequest{
		ConversationID: conv.ID,
		Message:        "newest question",
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// 4 seeded messages plus the just-persisted user message.
	if len(chatModel.lastInput) != 5 {
		t.Fatalf("model saw %d messages, want 5", len(chatModel.lastInput))
	}
	last := chatModel.lastInput[len(chatModel.lastInput)-1]
	if last.Content != "newest question" {
		t.Fatalf("model input must end with the new user message, got %q", last.Content)
	}
}

func TestChatStream_PersistsAccumulatedContent(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{streamed: []string{"Hel", "lo ", "world"}}
	engine := newTestEngine(t, database, chatModel)
	ctx := context.Background()

	chunks, err := engine.ChatStream(ctx, "t1", "u1", &models.ChatRequest{Message: "Hi", Stream: true})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var deltas []string
	var terminal *models.ChatChunk
	var conversationID string
	for chunk := range chunks {
		conversationID = chunk.ConversationID
		if chunk.FinishReason != nil {
			terminal = chunk
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if strings.Join(deltas, "") != "Hello world" {
		t.Fatalf("deltas concatenate to %q", strings.Join(deltas, ""))
	}
	if terminal == nil {
		t.Fatal("stream must end with a terminal chunk")
	}
	if *terminal.FinishReason != db.FinishReasonStop {
		t.Fatalf("FinishReason = %q, want stop", *terminal.FinishReason)
	}
	if terminal.Content != "Hello world" {
		t.Fatalf("terminal Content = %q", terminal.Content)
	}

	var messages []db.ConversationMessage
	if err := database.Where("conversation_id = ? AND role = ?", conversationID, db.RoleAssistant).
		Find(&messages).Error; err != nil {
		t.Fatalf("load assistant messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 persisted assistant message, got %d", len(messages))
	}
	if messages[0].Content != "Hello world" {
		t.Fatalf("persisted content = %q", messages[0].Content)
	}
	if messages[0].ID != terminal.MessageID {
		t.Fatal("persisted message ID must match the streamed chunks")
	}
}

func TestChatStream_TerminalChunkSurvivesSlowConsumer(t *testing.T) {
	database := newTestDB(t)

	// More deltas than the channel buffer holds, so the producer finishes
	// the stream while the buffer is still full.
	streamed := make([]string, 150)
	for i := range streamed {
		streamed[i] = "x"
	}
	chatModel := &stubChatModel{streamed: streamed}
	engine := newTestEngine(t, database, chatModel)

	chunks, err := engine.ChatStream(context.Background(), "t1", "u1", &models.ChatRequest{Message: "Hi", Stream: true})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var last *models.ChatChunk
	read := 0
	for chunk := range chunks {
		last = chunk
		read++
		if read == 50 {
			time.Sleep(300 * time.Millisecond)
		}
	}

	if last == nil || last.FinishReason == nil {
		t.Fatalf("stream ended without a terminal chunk after %d chunks", read)
	}
	if *last.FinishReason != db.FinishReasonStop {
		t.Fatalf("FinishReason = %q, want stop", *last.FinishReason)
	}
}

func TestChatStream_UpstreamFailureIsSynchronous(t *testing.T) {
	database := newTestDB(t)
	chatModel := &stubChatModel{err: errors.New("connect refused")}
	engine := newTestEngine(t, database, chatModel)

	_, err := engine.ChatStream(context.Background(), "t1", "u1", &models.ChatRequest{Message: "Hi", Stream: true})
	if !errors.Is(err, ErrModelUpstream) {
		t.Fatalf("expected ErrModelUpstream, got %v", err)
	}
}

func TestConversationCRUD(t *testing.T) {
	database := newTestDB(t)
	engine := newTestEngine(t, database, &stubChatModel{reply: "x"})
	ctx := context.Background()

	conv, err := engine.CreateConversation(ctx, "t1", "u1", &models.CreateConversationRequest{Title: "Planning"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	updated, err := engine.UpdateConversation(ctx, "t1", "u1", conv.ID, &models.UpdateConversationRequest{
		Status: db.ConversationStatusArchived,
	})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if updated.Status != db.ConversationStatusArchived {
		t.Fatalf("Status = %q", updated.Status)
	}

	if err := engine.DeleteConversation(ctx, "t1", "u1", conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := engine.GetConversation(ctx, "t1", "u1", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("deleted conversation must not be found, got %v", err)
	}

	// The log survives the soft delete.
	list, err := engine.ListConversations(ctx, "t1", "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list.Conversations) != 0 {
		t.Fatalf("deleted conversation leaked into listing")
	}
}
