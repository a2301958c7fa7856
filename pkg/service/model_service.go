// Chat model construction from configuration
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/utils"
)

var ErrModelNotConfigured = errors.New("no chat model configured")

// ModelService builds chat model clients from the application config.
// Clients are cached per model name; OpenAI-compatible endpoints cover
// custom gateways via BaseURL.
type ModelService struct {
	cfg    *config.ModelConfig
	logger *slog.Logger

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

func NewModelService(cfg *config.ModelConfig) *ModelService {
	return &ModelService{
		cfg:    cfg,
		logger: utils.GetLogger(),
		models: make(map[string]model.BaseChatModel),
	}
}

// DefaultModelName returns the configured model name.
func (s *ModelService) DefaultModelName() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.Name
}

// GetChatModel returns a chat model client for the given name, falling back
// to the configured default when name is empty.
func (s *ModelService) GetChatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	if s.cfg == nil || s.cfg.APIKey == "" {
		return nil, ErrModelNotConfigured
	}
	if name == "" {
		name = s.cfg.Name
	}
	if name == "" {
		return nil, ErrModelNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.models[name]; ok {
		return cached, nil
	}

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: s.cfg.BaseURL,
		APIKey:  s.cfg.APIKey,
		Model:   name,
	})
	if err != nil {
		return nil, err
	}

	s.models[name] = chatModel
	s.logger.Info("chat model initialized", "model", name, "baseURL", s.cfg.BaseURL)
	return chatModel, nil
}

// RegisterChatModel installs a preconstructed client under the given name,
// bypassing the OpenAI factory.
func (s *ModelService) RegisterChatModel(name string, chatModel model.BaseChatModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[name] = chatModel
}

// Lazy returns a chat model that resolves the configured client on first
// use. Startup does not require a reachable model endpoint.
func (s *ModelService) Lazy() model.BaseChatModel {
	return lazyChatModel{svc: s}
}

type lazyChatModel struct {
	svc *ModelService
}

func (m lazyChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	chatModel, err := m.svc.GetChatModel(ctx, "")
	if err != nil {
		return nil, err
	}
	return chatModel.Generate(ctx, in, opts...)
}

func (m lazyChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	chatModel, err := m.svc.GetChatModel(ctx, "")
	if err != nil {
		return nil, err
	}
	return chatModel.Stream(ctx, in, opts...)
}
