package models

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/llm"
)

// ErrInvalidModelConfig marks model configurations missing required fields.
var ErrInvalidModelConfig = errors.New("invalid model configuration")

// Builder constructs the sync and streaming handles for a model
// configuration. Swappable in tests.
type Builder func(cfg config.ModelConfig) (llm.Client, llm.StreamingClient)

// Factory builds model handles. Handles for shared (platform-default)
// configurations are cached process-wide by model id so repeated task
// starts do not rebuild them; custom per-task configurations always get a
// fresh pair.
type Factory struct {
	build  Builder
	logger *zap.Logger

	mu     sync.Mutex
	shared map[string]handlePair
}

type handlePair struct {
	chat   llm.Client
	stream llm.StreamingClient
}

func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		build: func(cfg config.ModelConfig) (llm.Client, llm.StreamingClient) {
			c := llm.NewOpenAIClient(cfg, logger)
			return c, c
		},
		logger: logger,
		shared: make(map[string]handlePair),
	}
}

// NewFactoryWithBuilder lets tests inject fake handle construction.
func NewFactoryWithBuilder(build Builder, logger *zap.Logger) *Factory {
	return &Factory{build: build, logger: logger, shared: make(map[string]handlePair)}
}

// Handles returns the sync and streaming handles for cfg.
func (f *Factory) Handles(cfg config.ModelConfig) (llm.Client, llm.StreamingClient, error) {
	if cfg.ID == "" || cfg.Model == "" {
		return nil, nil, ErrInvalidModelConfig
	}
	if !cfg.Shared {
		f.logger.Info("Building custom model handles", zap.String("model_id", cfg.ID))
		chat, stream := f.build(cfg)
		return chat, stream, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if pair, ok := f.shared[cfg.ID]; ok {
		return pair.chat, pair.stream, nil
	}
	f.logger.Info("Building shared model handles",
		zap.String("model_id", cfg.ID),
		zap.String("model", cfg.Model),
	)
	chat, stream := f.build(cfg)
	f.shared[cfg.ID] = handlePair{chat: chat, stream: stream}
	return chat, stream, nil
}
