package core

import (
	"context"
	"fmt"

	"gwi.com/chat-insights/internal/analyzer"
	"gwi.com/chat-insights/internal/config"
	"gwi.com/chat-insights/internal/logger"
)

// LLMService is the configured generative model backend.
type LLMService struct {
	analyzer.Backend
	close func() error
	log   *logger.Logger
}

func NewLLMService(ctx context.Context, cfg *config.Config, log *logger.Logger) (*LLMService, error) {
	switch cfg.AIProvider {
	case "gemini":
		backend, err := analyzer.NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		log.Info("using gemini backend", "model", cfg.GeminiModel)
		return &LLMService{Backend: backend, close: backend.Close, log: log}, nil
	case "openai":
		log.Info("using openai backend", "model", cfg.OpenAIModel)
		return &LLMService{Backend: analyzer.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel), log: log}, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
}

func (s *LLMService) Close() {
	if s.close == nil {
		return
	}
	if err := s.close(); err != nil {
		s.log.Warn("error closing model client", "error", err)
	} else {
		s.log.Info("model client closed")
	}
}
