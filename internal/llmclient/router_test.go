// internal/llmclient/router_test.go
package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/infant/internal/config"
)

func TestNewRouter_RequiresMain(t *testing.T) {
	logger, _ := setupTestLogger(t)
	_, err := NewRouter(logger, nil, map[string]Gateway{config.RoleGrounding: &MockGateway{}})
	assert.Error(t, err)
}

func TestRouter_For(t *testing.T) {
	logger, logs := setupTestLogger(t)
	main, grounding := &MockGateway{}, &MockGateway{}
	r, err := NewRouter(logger, nil, map[string]Gateway{
		config.RoleMain:      main,
		config.RoleGrounding: grounding,
		config.RoleFileEdit:  nil,
	})
	require.NoError(t, err)

	assert.Same(t, grounding, r.For(config.RoleGrounding))
	assert.Same(t, main, r.For(config.RoleFileEdit), "nil entries fall back to main")
	assert.Same(t, main, r.For("unknown"))
	assert.Equal(t, 2, logs.FilterMessage("Routing LLM request to main").Len())
	assert.NotNil(t, r.Metrics())
}

func TestRouter_CompletionUsesMain(t *testing.T) {
	logger, _ := setupTestLogger(t)
	main := &MockGateway{}
	main.On("Completion", mock.Anything, mock.Anything, []string{"</task>"}).
		Return(Completion{Text: "<task>x"}, nil).Once()

	r, err := NewRouter(logger, nil, map[string]Gateway{config.RoleMain: main})
	require.NoError(t, err)

	c, err := r.Completion(context.Background(), []Message{TextMessage(RoleUser, "go")}, []string{"</task>"})
	require.NoError(t, err)
	assert.Equal(t, "<task>x", c.Text)
	main.AssertExpectations(t)
}

func TestWrap_PricesAndTrims(t *testing.T) {
	logger, _ := setupTestLogger(t)
	provider := &MockGateway{}
	provider.On("Completion", mock.Anything, mock.Anything, mock.Anything).
		Return(Completion{Text: "<finish>done</finish> trailing", Usage: Usage{PromptTokens: 1000, CompletionTokens: 100}}, nil)

	metrics := NewMetrics()
	cfg := getValidLLMConfig(config.ProviderOpenAI)
	g := Wrap(provider, config.RoleMain, cfg, Options{Metrics: metrics}, logger)

	c, err := g.Completion(context.Background(), nil, []string{"</finish>"})
	require.NoError(t, err)
	assert.Equal(t, "<finish>done", c.Text)
	assert.InDelta(t, 1.2, c.Cost, 1e-9)
	assert.InDelta(t, 1.2, metrics.ByFunction()[config.RoleMain], 1e-9)
}

func TestWrap_RetriesWaitForTheLimiter(t *testing.T) {
	logger, _ := setupTestLogger(t)
	provider := &MockGateway{}
	provider.On("Completion", mock.Anything, mock.Anything, mock.Anything).
		Return(Completion{}, errors.New("upstream unavailable")).Twice()
	provider.On("Completion", mock.Anything, mock.Anything, mock.Anything).
		Return(Completion{Text: "ok"}, nil).Once()

	cfg := getValidLLMConfig(config.ProviderOpenAI)
	cfg.RequestsPerMinute = 600
	g := Wrap(provider, config.RoleMain, cfg, Options{}, logger)

	start := time.Now()
	c, err := g.Completion(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)
	// One token every 100ms and a burst of one: the two retries each wait.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	provider.AssertNumberOfCalls(t, "Completion", 3)
}

func TestNewRouterFromConfig(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := config.NewDefaultConfig().LLM
	cfg.Main.APIKey = "sk-test"
	cfg.Grounding.Provider = config.ProviderAnthropic
	cfg.Grounding.APIKey = "ant-test"

	r, err := NewRouterFromConfig(context.Background(), cfg, Options{}, logger)
	require.NoError(t, err)
	assert.NotNil(t, r.Transcriber())

	cfg.Grounding.APIKey = ""
	_, err = NewRouterFromConfig(context.Background(), cfg, Options{}, logger)
	assert.ErrorContains(t, err, "llm role grounding")
}
