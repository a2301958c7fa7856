// Conversation engine: chat turns, persistence and streaming
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

// ConversationEngine orchestrates chat turns: it owns conversation CRUD and
// the request pipeline that persists the user message, assembles context,
// calls the model and persists the reply.
//
// The user message is written before the model is called; a model failure
// never loses user input.
type ConversationEngine struct {
	db         *gorm.DB
	builder    *ContextBuilder
	summarizer *Summarizer
	memories   *MemoryService
	prompts    *PromptService
	modelSvc   *ModelService
	estimator  TokenEstimator
	defaults   models.ContextConfig
	logger     *slog.Logger

	activeStreams sync.Map // conversationID -> context.CancelFunc
}

// EngineOptions bundles the engine's collaborators. Memories and Prompts
// are optional; the pipeline degrades gracefully without them.
type EngineOptions struct {
	Builder    *ContextBuilder
	Summarizer *Summarizer
	Memories   *MemoryService
	Prompts    *PromptService
	Models     *ModelService
	Estimator  TokenEstimator
	Defaults   *models.ContextConfig
}

// NewConversationEngine creates a new conversation engine.
func NewConversationEngine(database *gorm.DB, opts EngineOptions) *ConversationEngine {
	estimator := opts.Estimator
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	builder := opts.Builder
	if builder == nil {
		builder = NewContextBuilder(database, estimator)
	}
	defaults := models.DefaultContextConfig()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	return &ConversationEngine{
		db:         database,
		builder:    builder,
		summarizer: opts.Summarizer,
		memories:   opts.Memories,
		prompts:    opts.Prompts,
		modelSvc:   opts.Models,
		estimator:  estimator,
		defaults:   defaults,
		logger:     utils.GetLogger(),
	}
}

// ========== Conversation CRUD ==========

// CreateConversation creates a new active conversation for the owner.
func (e *ConversationEngine) CreateConversation(ctx context.Context, tenantID, userID string, req *models.CreateConversationRequest) (*db.Conversation, error) {
	title := req.Title
	if title == "" {
		title = "New Chat"
	}
	conv := &db.Conversation{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		UserID:     userID,
		Title:      title,
		Status:     db.ConversationStatusActive,
		Model:      req.Model,
		PromptName: req.PromptName,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation, scoped to its owner. Soft-deleted
// conversations are not found.
func (e *ConversationEngine) GetConversation(ctx context.Context, tenantID, userID, id string) (*db.Conversation, error) {
	var conv db.Conversation
	err := e.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ? AND status != ?",
			id, tenantID, userID, db.ConversationStatusDeleted).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns the owner's conversations newest-updated first.
func (e *ConversationEngine) ListConversations(ctx context.Context, tenantID, userID string, limit, offset int) (*models.ConversationListResponse, error) {
	if limit <= 0 {
		limit = 20
	}

	var conversations []db.Conversation
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND status != ?",
			tenantID, userID, db.ConversationStatusDeleted).
		Order("updated_at DESC").
		Limit(limit + 1).
		Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}

	hasMore := len(conversations) > limit
	if hasMore {
		conversations = conversations[:limit]
	}
	return &models.ConversationListResponse{
		Conversations: conversations,
		HasMore:       hasMore,
	}, nil
}

// UpdateConversation applies partial updates to title or status.
func (e *ConversationEngine) UpdateConversation(ctx context.Context, tenantID, userID, id string, req *models.UpdateConversationRequest) (*db.Conversation, error) {
	conv, err := e.GetConversation(ctx, tenantID, userID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Title != "" {
		updates["title"] = req.Title
	}
	if req.Status != "" {
		switch req.Status {
		case db.ConversationStatusActive, db.ConversationStatusArchived, db.ConversationStatusDeleted:
		default:
			return nil, fmt.Errorf("unknown status %q: %w", req.Status, ErrInvalidInput)
		}
		updates["status"] = req.Status
	}

	if err := e.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return nil, err
	}
	return e.GetConversation(ctx, tenantID, userID, id)
}

// DeleteConversation soft-deletes a conversation. The message log stays.
func (e *ConversationEngine) DeleteConversation(ctx context.Context, tenantID, userID, id string) error {
	conv, err := e.GetConversation(ctx, tenantID, userID, id)
	if err != nil {
		return err
	}
	return e.db.WithContext(ctx).Model(conv).
		Updates(map[string]interface{}{
			"status":     db.ConversationStatusDeleted,
			"updated_at": time.Now(),
		}).Error
}

// ListMessages returns the conversation's log oldest first.
func (e *ConversationEngine) ListMessages(ctx context.Context, tenantID, userID, conversationID string, limit, offset int) ([]db.ConversationMessage, error) {
	if _, err := e.GetConversation(ctx, tenantID, userID, conversationID); err != nil {
		return nil, err
	}

	query := e.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []db.ConversationMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// ========== Chat pipeline ==========

// turnSetup is everything resolved before the model call.
type turnSetup struct {
	conv      *db.Conversation
	cfg       models.ContextConfig
	chatModel model.BaseChatModel
	modelName string
	prompt    *db.Prompt
	messages  []*schema.Message
	options   []model.Option
}

// Chat runs one non-streaming chat turn.
func (e *ConversationEngine) Chat(ctx context.Context, tenantID, userID string, req *models.ChatRequest) (*models.ChatResponse, error) {
	setup, err := e.prepareTurn(ctx, tenantID, userID, req)
	if err != nil {
		return nil, err
	}

	resp, err := setup.chatModel.Generate(ctx, setup.messages, setup.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUpstream, err)
	}

	finishReason := db.FinishReasonStop
	if resp.ResponseMeta != nil && resp.ResponseMeta.FinishReason == "length" {
		finishReason = db.FinishReasonLength
	}

	assistantMsg, err := e.persistTurnMessage(ctx, setup.conv, db.RoleAssistant, resp.Content, setup.modelName)
	if err != nil {
		return nil, err
	}

	e.finishTurn(ctx, setup, finishReason)

	return &models.ChatResponse{
		ConversationID: setup.conv.ID,
		MessageID:      assistantMsg.ID,
		Role:           assistantMsg.Role,
		Content:        assistantMsg.Content,
		Tokens:         assistantMsg.Tokens,
		Model:          assistantMsg.Model,
		CreatedAt:      assistantMsg.CreatedAt,
	}, nil
}

// ChatStream runs one streaming chat turn. The returned channel yields
// incremental chunks and is closed after a terminal chunk whose
// FinishReason is non-nil. Whatever content has streamed is persisted even
// when the consumer disconnects mid-stream.
func (e *ConversationEngine) ChatStream(ctx context.Context, tenantID, userID string, req *models.ChatRequest) (<-chan *models.ChatChunk, error) {
	setup, err := e.prepareTurn(ctx, tenantID, userID, req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	reader, err := setup.chatModel.Stream(streamCtx, setup.messages, setup.options...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrModelUpstream, err)
	}

	e.activeStreams.Store(setup.conv.ID, cancel)

	chunks := make(chan *models.ChatChunk, 100)
	messageID := uuid.New().String()

	go func() {
		defer close(chunks)
		defer cancel()
		defer reader.Close()
		defer e.activeStreams.Delete(setup.conv.ID)

		var accumulated strings.Builder
		finishReason := db.FinishReasonStop

	recv:
		for {
			frame, err := reader.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				if streamCtx.Err() != nil {
					finishReason = db.FinishReasonCancelled
				} else {
					finishReason = db.FinishReasonError
					e.logger.Error("stream receive failed", "error", err, "conversationID", setup.conv.ID)
				}
				break
			}

			if frame.Content == "" {
				continue
			}
			accumulated.WriteString(frame.Content)

			chunk := &models.ChatChunk{
				ConversationID: setup.conv.ID,
				MessageID:      messageID,
				Role:           db.RoleAssistant,
				Content:        accumulated.String(),
				Delta:          frame.Content,
			}
			select {
			case chunks <- chunk:
			case <-streamCtx.Done():
				finishReason = db.FinishReasonCancelled
				break recv
			}
		}

		// Persistence must survive consumer disconnects.
		persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer persistCancel()

		if accumulated.Len() > 0 || finishReason == db.FinishReasonStop {
			if _, err := e.persistTurnMessageWithID(persistCtx, setup.conv, messageID, db.RoleAssistant, accumulated.String(), setup.modelName); err != nil {
				e.logger.Error("failed to persist streamed reply", "error", err, "conversationID", setup.conv.ID)
			} else {
				e.finishTurn(persistCtx, setup, finishReason)
			}
		}

		reason := finishReason
		terminal := &models.ChatChunk{
			ConversationID: setup.conv.ID,
			MessageID:      messageID,
			Role:           db.RoleAssistant,
			Content:        accumulated.String(),
			FinishReason:   &reason,
		}
		// The consumer ranges to close, so the terminal chunk blocks until
		// it drains the buffer. The persist deadline bounds the wait when
		// the consumer is gone.
		select {
		case chunks <- terminal:
		case <-persistCtx.Done():
		}
	}()

	return chunks, nil
}

// CancelStream cancels an in-flight stream for the conversation, if any.
func (e *ConversationEngine) CancelStream(conversationID string) bool {
	if cancel, ok := e.activeStreams.Load(conversationID); ok {
		cancel.(context.CancelFunc)()
		return true
	}
	return false
}

// prepareTurn resolves the conversation, persists the user message, builds
// the context window and assembles the model input.
func (e *ConversationEngine) prepareTurn(ctx context.Context, tenantID, userID string, req *models.ChatRequest) (*turnSetup, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrNoMessage
	}

	cfg := e.defaults
	if req.Context != nil {
		cfg = *req.Context
	}
	if err := ValidateContextConfig(cfg); err != nil {
		return nil, err
	}

	var conv *db.Conversation
	var err error
	if req.ConversationID != "" {
		conv, err = e.GetConversation(ctx, tenantID, userID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.Status != db.ConversationStatusActive {
			return nil, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, ErrConversationNotActive)
		}
	} else {
		conv, err = e.CreateConversation(ctx, tenantID, userID, &models.CreateConversationRequest{
			Title:      titleFromMessage(req.Message),
			Model:      req.Model,
			PromptName: req.PromptName,
		})
		if err != nil {
			return nil, err
		}
	}

	modelName := req.Model
	if modelName == "" {
		modelName = conv.Model
	}
	if modelName == "" && e.modelSvc != nil {
		modelName = e.modelSvc.DefaultModelName()
	}
	if e.modelSvc == nil {
		return nil, ErrModelNotConfigured
	}
	chatModel, err := e.modelSvc.GetChatModel(ctx, modelName)
	if err != nil {
		return nil, err
	}

	if _, err := e.persistTurnMessage(ctx, conv, db.RoleUser, req.Message, modelName); err != nil {
		return nil, err
	}

	// The window build and memory retrieval are independent reads.
	var (
		wg         sync.WaitGroup
		window     *ContextWindow
		windowErr  error
		memResults []MemorySearchResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		window, windowErr = e.builder.Build(ctx, conv.ID, cfg)
	}()
	if e.memories != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := e.memories.Search(ctx, tenantID, userID, &SearchMemoriesRequest{
				Query: req.Message,
				TopK:  5,
			})
			if err != nil {
				// Memory retrieval is an enrichment, not a dependency.
				e.logger.Warn("memory retrieval failed", "error", err, "conversationID", conv.ID)
				return
			}
			memResults = results
		}()
	}
	wg.Wait()
	if windowErr != nil {
		return nil, windowErr
	}

	prompt, systemPrompt, err := e.resolveSystemPrompt(ctx, tenantID, userID, conv, req)
	if err != nil {
		return nil, err
	}

	setup := &turnSetup{
		conv:      conv,
		cfg:       cfg,
		chatModel: chatModel,
		modelName: modelName,
		prompt:    prompt,
		messages:  assembleModelInput(systemPrompt, window, memResults),
	}
	if req.Temperature != nil {
		setup.options = append(setup.options, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		setup.options = append(setup.options, model.WithMaxTokens(*req.MaxTokens))
	}

	if len(memResults) > 0 && e.memories != nil {
		ids := make([]string, len(memResults))
		for i := range memResults {
			ids[i] = memResults[i].Memory.ID
		}
		if err := e.memories.IncrementAccess(ctx, ids); err != nil {
			e.logger.Warn("failed to record memory access", "error", err)
		}
	}

	return setup, nil
}

// resolveSystemPrompt picks the system prompt for this turn. A requested
// prompt, by ID or by name, must resolve to an active version; the turn
// runs without a system prompt only when none is requested.
func (e *ConversationEngine) resolveSystemPrompt(ctx context.Context, tenantID, userID string, conv *db.Conversation, req *models.ChatRequest) (*db.Prompt, string, error) {
	if e.prompts == nil {
		return nil, "", nil
	}

	if req.PromptID != "" {
		prompt, err := e.prompts.Get(ctx, tenantID, req.PromptID)
		if err != nil {
			return nil, "", err
		}
		if !prompt.IsActive {
			return nil, "", fmt.Errorf("prompt %s is inactive: %w", prompt.ID, ErrPromptNotFound)
		}
		content, err := e.prompts.RenderContent(prompt, nil)
		if err != nil {
			return nil, "", err
		}
		return prompt, content, nil
	}

	name := req.PromptName
	if name == "" {
		name = conv.PromptName
	}
	if name == "" {
		return nil, "", nil
	}

	prompt, err := e.prompts.Resolve(ctx, tenantID, name, tenantID+":"+userID)
	if err != nil {
		return nil, "", fmt.Errorf("resolving prompt %q: %w", name, err)
	}
	content, err := e.prompts.RenderContent(prompt, nil)
	if err != nil {
		return nil, "", fmt.Errorf("rendering prompt %q: %w", name, err)
	}
	return prompt, content, nil
}

// assembleModelInput flattens the system prompt, summary, memories and the
// context window into the model's message list. The window already ends with
// the just-persisted user message.
func assembleModelInput(systemPrompt string, window *ContextWindow, memories []MemorySearchResult) []*schema.Message {
	var sysParts []string
	if systemPrompt != "" {
		sysParts = append(sysParts, systemPrompt)
	}
	if window.Summary != nil && window.Summary.Summary != "" {
		sysParts = append(sysParts, "Summary of earlier conversation:\n"+window.Summary.Summary)
	}
	if len(memories) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant knowledge about the user:\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- [%s] %s\n", m.Memory.MemoryType, m.Memory.Content)
		}
		sysParts = append(sysParts, sb.String())
	}

	messages := make([]*schema.Message, 0, len(window.Messages)+1)
	if len(sysParts) > 0 {
		messages = append(messages, schema.SystemMessage(strings.Join(sysParts, "\n\n")))
	}
	for i := range window.Messages {
		msg := &window.Messages[i]
		switch msg.Role {
		case db.RoleAssistant:
			messages = append(messages, &schema.Message{Role: schema.Assistant, Content: msg.Content})
		case db.RoleSystem:
			messages = append(messages, &schema.Message{Role: schema.System, Content: msg.Content})
		default:
			messages = append(messages, schema.UserMessage(msg.Content))
		}
	}
	return messages
}

// persistTurnMessage appends a message and updates the conversation counters
// in one transaction.
func (e *ConversationEngine) persistTurnMessage(ctx context.Context, conv *db.Conversation, role, content, modelName string) (*db.ConversationMessage, error) {
	return e.persistTurnMessageWithID(ctx, conv, uuid.New().String(), role, content, modelName)
}

func (e *ConversationEngine) persistTurnMessageWithID(ctx context.Context, conv *db.Conversation, id, role, content, modelName string) (*db.ConversationMessage, error) {
	msg := &db.ConversationMessage{
		ID:             id,
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		Tokens:         e.estimator.Estimate(content) + messageOverhead,
		Model:          modelName,
		CreatedAt:      time.Now(),
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&db.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(map[string]interface{}{
				"total_messages": gorm.Expr("total_messages + 1"),
				"total_tokens":   gorm.Expr("total_tokens + ?", msg.Tokens),
				"updated_at":     time.Now(),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s message: %w", role, err)
	}
	return msg, nil
}

// finishTurn runs the post-reply bookkeeping: prompt counters and, when the
// policy allows, an asynchronous summarization pass. Failures here are
// logged, never surfaced; the reply is already durable.
func (e *ConversationEngine) finishTurn(ctx context.Context, setup *turnSetup, finishReason string) {
	if setup.prompt != nil && e.prompts != nil {
		if err := e.prompts.IncrementUsage(ctx, setup.prompt.ID); err != nil {
			e.logger.Warn("failed to record prompt usage", "error", err, "promptID", setup.prompt.ID)
		}
		success := finishReason == db.FinishReasonStop || finishReason == db.FinishReasonLength
		if err := e.prompts.RecordInteraction(ctx, setup.conv.TenantID, setup.prompt.ID, success); err != nil {
			e.logger.Warn("failed to record prompt interaction", "error", err, "promptID", setup.prompt.ID)
		}
	}

	if e.summarizer != nil && setup.cfg.AutoSummarize {
		conversationID := setup.conv.ID
		cfg := setup.cfg
		bg := context.WithoutCancel(ctx)
		go func() {
			sumCtx, cancel := context.WithTimeout(bg, 2*time.Minute)
			defer cancel()
			if _, err := e.summarizer.CreateSummary(sumCtx, conversationID, cfg, cfg.MaxMessages); err != nil {
				e.logger.Warn("auto-summarize failed", "error", err, "conversationID", conversationID)
			}
		}()
	}
}

// titleFromMessage derives an initial conversation title.
func titleFromMessage(message string) string {
	title := strings.TrimSpace(message)
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:50]) + "..."
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}
