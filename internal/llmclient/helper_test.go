// internal/llmclient/helper_test.go
package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/infant/internal/config"
)

// MockGateway is a testify mock of Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	args := m.Called(ctx, msgs, stop)
	return args.Get(0).(Completion), args.Error(1)
}

// setupTestLogger returns a logger whose entries can be inspected.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// fastRetry keeps backoff waits negligible in tests.
var fastRetry = RetryPolicy{Retries: 3, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond}

func getValidLLMConfig(provider config.LLMProvider) config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:           provider,
		APIKey:             "test-api-key",
		Model:              "test-model",
		APITimeout:         5 * time.Second,
		Temperature:        0.9,
		TopP:               0.5,
		MaxTokens:          256,
		NumRetries:         2,
		RetryMinWait:       time.Millisecond,
		RetryMaxWait:       2 * time.Millisecond,
		InputCostPerToken:  0.001,
		OutputCostPerToken: 0.002,
	}
}
