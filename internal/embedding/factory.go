package embedding

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
)

// New builds the embedder selected by cfg.Backend, wrapped in an LRU cache when CacheSize > 0.
// Backend "auto" prefers ONNX when the model file exists, then OpenAI when an API key is set,
// then the hashing embedder. The choice is made once, at startup.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inner, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("embedding backend selected",
		zap.String("model", inner.Model()),
		zap.String("kind", inner.Kind().String()),
		zap.Int("dimensions", inner.Dimensions()))

	if cfg.CacheSize <= 0 {
		return inner, nil
	}
	cached, err := NewCachedEmbedder(inner, cfg.CacheSize)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return cached, nil
}

func newBackend(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	switch cfg.Backend {
	case "hash":
		return NewHashEmbedder(cfg.Dimensions, cfg.MaxTokens), nil
	case "onnx":
		return NewONNXEmbedder(cfg.Model, cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case "openai":
		return NewOpenAIEmbedder(os.Getenv(cfg.APIKeyEnv), cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.MaxTokens)
	case "auto", "":
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}

	if ONNXAvailable && cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err == nil {
			e, err := NewONNXEmbedder(cfg.Model, cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
			if err == nil {
				return e, nil
			}
			logger.Warn("onnx backend failed, falling back", zap.Error(err))
		}
	}
	if key := os.Getenv(cfg.APIKeyEnv); key != "" || cfg.BaseURL != "" {
		e, err := NewOpenAIEmbedder(key, cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.MaxTokens)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
	}
	logger.Warn("no model backend available, using hashing embedder")
	return NewHashEmbedder(cfg.Dimensions, cfg.MaxTokens), nil
}
