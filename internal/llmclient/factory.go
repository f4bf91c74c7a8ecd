// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// NewProvider creates the raw provider client for cfg.
func NewProvider(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (Gateway, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, config.ProviderVLLM:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini, config.ProviderVLLM)
	}
}

// Options are the session-wide collaborators shared by every role's gateway.
type Options struct {
	Metrics   *Metrics
	Reviewer  *Reviewer
	Observers []CallObserver
}

// Wrap decorates a provider with the standard middleware stack, outermost first:
// feedback, cost metering, retry, rate limiting, stop-token trimming. Every
// retried attempt waits for the limiter.
func Wrap(provider Gateway, role string, cfg config.LLMModelConfig, opts Options, logger *zap.Logger) Gateway {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	var mws []Middleware
	if opts.Reviewer != nil {
		mws = append(mws, Feedback(opts.Reviewer))
	}
	mws = append(mws,
		Metered(metrics, role, cfg.Model, Pricing{Input: cfg.InputCostPerToken, Output: cfg.OutputCostPerToken}, logger, opts.Observers...),
		Retry(string(cfg.Provider), cfg.Model, RetryPolicy{
			Retries: cfg.NumRetries,
			MinWait: cfg.RetryMinWait,
			MaxWait: cfg.RetryMaxWait,
		}, logger),
		RateLimit(NewPerMinuteLimiter(cfg.RequestsPerMinute)),
		StopTokens(),
	)
	return Chain(provider, mws...)
}
