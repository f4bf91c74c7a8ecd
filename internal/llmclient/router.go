// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// Transcriber turns a host audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Router hands out one gateway per role; unknown or unset roles use main.
type Router struct {
	logger      *zap.Logger
	gateways    map[string]Gateway
	transcriber Transcriber
	metrics     *Metrics
}

// NewRouter builds a router over prebuilt gateways. A main gateway is required.
func NewRouter(logger *zap.Logger, metrics *Metrics, gateways map[string]Gateway) (*Router, error) {
	if gateways[config.RoleMain] == nil {
		return nil, errors.New("a main gateway must be provided")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	gw := make(map[string]Gateway, len(gateways))
	for role, g := range gateways {
		if g != nil {
			gw[role] = g
		}
	}
	return &Router{logger: logger.Named("llm_router"), gateways: gw, metrics: metrics}, nil
}

// NewRouterFromConfig creates and wraps a provider for every role.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMConfig, opts Options, logger *zap.Logger) (*Router, error) {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	roles := []string{
		config.RoleMain, config.RoleFileEdit, config.RoleToolMaker,
		config.RoleGrounding, config.RoleVideo,
	}
	gateways := make(map[string]Gateway, len(roles))
	for _, role := range roles {
		mc := cfg.ForRole(role)
		provider, err := NewProvider(ctx, mc, logger)
		if err != nil {
			return nil, fmt.Errorf("llm role %s: %w", role, err)
		}
		gateways[role] = Wrap(provider, role, mc, opts, logger)
	}
	r, err := NewRouter(logger, opts.Metrics, gateways)
	if err != nil {
		return nil, err
	}

	// Audio only works through an OpenAI-compatible transcription endpoint.
	if audio := cfg.ForRole(config.RoleAudio); audio.Provider == config.ProviderOpenAI || audio.Provider == config.ProviderVLLM {
		oc, err := NewOpenAIClient(audio, logger)
		if err != nil {
			return nil, fmt.Errorf("llm role %s: %w", config.RoleAudio, err)
		}
		r.transcriber = oc
	}
	return r, nil
}

// For returns the gateway serving role.
func (r *Router) For(role string) Gateway {
	if g, ok := r.gateways[role]; ok {
		return g
	}
	r.logger.Debug("Routing LLM request to main", zap.String("role", role))
	return r.gateways[config.RoleMain]
}

// Completion sends the request to the main gateway.
func (r *Router) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	return r.For(config.RoleMain).Completion(ctx, msgs, stop)
}

// Metrics returns the session cost accumulator.
func (r *Router) Metrics() *Metrics { return r.metrics }

// Transcriber returns the audio transcriber, or nil when none is configured.
func (r *Router) Transcriber() Transcriber { return r.transcriber }

// SetTranscriber overrides the audio transcriber.
func (r *Router) SetTranscriber(t Transcriber) { r.transcriber = t }
