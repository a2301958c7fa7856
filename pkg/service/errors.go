package service

import "errors"

// Sentinel errors shared across services. Handlers map these onto HTTP
// status codes; callers test with errors.Is.
var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationNotActive = errors.New("conversation is not active")
	ErrMessageNotFound       = errors.New("message not found")
	ErrMemoryNotFound        = errors.New("memory not found")
	ErrPromptNotFound        = errors.New("prompt not found")
	ErrPromptExists          = errors.New("prompt version already exists")
	ErrInvalidContextConfig  = errors.New("invalid context config")
	ErrInvalidMemoryType     = errors.New("invalid memory type")
	ErrInvalidInput          = errors.New("invalid input")
	ErrModelUpstream         = errors.New("model upstream failure")
	ErrNoMessage             = errors.New("no message provided")
)
