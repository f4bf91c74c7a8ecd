// internal/llmclient/anthropic_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// messagesClient is satisfied by *sdk.MessageService.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient adapts the Anthropic Messages API to Gateway.
type AnthropicClient struct {
	msgs   messagesClient
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewAnthropicClient builds a client from cfg. SDK-level retries are disabled;
// the Retry middleware owns retrying.
func NewAnthropicClient(cfg config.LLMModelConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.APITimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.APITimeout))
	}
	client := sdk.NewClient(opts...)
	return newAnthropicClient(&client.Messages, cfg, logger), nil
}

func newAnthropicClient(msgs messagesClient, cfg config.LLMModelConfig, logger *zap.Logger) *AnthropicClient {
	return &AnthropicClient{msgs: msgs, cfg: cfg, logger: logger.Named("llm.anthropic")}
}

// Completion implements Gateway.
func (c *AnthropicClient) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	system, conv := splitSystem(msgs)
	maxTokens := c.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:         sdk.Model(c.cfg.Model),
		MaxTokens:     int64(maxTokens),
		Messages:      encodeAnthropicMessages(conv),
		StopSequences: stop,
	}
	if len(system) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	// The API rejects requests that set both sampling knobs for some models.
	if c.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(float64(c.cfg.Temperature))
	} else if c.cfg.TopP > 0 {
		params.TopP = sdk.Float(float64(c.cfg.TopP))
	}

	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return Completion{}, classifyStatus(apiErr.StatusCode, err)
		}
		return Completion{}, err
	}
	if msg == nil {
		return Completion{}, errors.New("anthropic returned no message")
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return Completion{
		Text: b.String(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// encodeAnthropicMessages merges consecutive turns of one role; the API
// requires strict user/assistant alternation starting with user.
func encodeAnthropicMessages(msgs []Message) []sdk.MessageParam {
	type turn struct {
		role   Role
		blocks []sdk.ContentBlockParamUnion
	}
	var turns []turn
	for _, m := range msgs {
		var blocks []sdk.ContentBlockParamUnion
		if len(m.Parts) == 0 {
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
		}
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case PartImage:
				if mime, data, ok := decodeDataURL(p.ImageURL); ok {
					blocks = append(blocks, sdk.NewImageBlockBase64(mime, data))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == m.Role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{role: m.Role, blocks: blocks})
	}
	if len(turns) > 0 && turns[0].role == RoleAssistant {
		turns = append([]turn{{role: RoleUser, blocks: []sdk.ContentBlockParamUnion{sdk.NewTextBlock("(conversation start)")}}}, turns...)
	}

	out := make([]sdk.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(t.blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(t.blocks...))
		}
	}
	return out
}
