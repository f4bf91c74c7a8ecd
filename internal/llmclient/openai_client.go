// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// chatCompleter is the subset of the go-openai client used here.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// transcriber is the subset of the go-openai client used for audio.
type transcriber interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAIClient talks to OpenAI or to any OpenAI-compatible server such as vLLM.
type OpenAIClient struct {
	chat   chatCompleter
	audio  transcriber
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewOpenAIClient builds a client for the openai and vllm providers.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Provider == config.ProviderOpenAI && cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		occ.BaseURL = cfg.Endpoint
	}
	if cfg.APITimeout > 0 {
		occ.HTTPClient = &http.Client{Timeout: cfg.APITimeout}
	}
	c := openai.NewClientWithConfig(occ)
	return newOpenAIClient(c, c, cfg, logger), nil
}

func newOpenAIClient(chat chatCompleter, audio transcriber, cfg config.LLMModelConfig, logger *zap.Logger) *OpenAIClient {
	return &OpenAIClient{
		chat:   chat,
		audio:  audio,
		cfg:    cfg,
		logger: logger.Named("llm." + string(cfg.Provider)),
	}
}

// Completion implements Gateway.
func (c *OpenAIClient) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    encodeOpenAIMessages(msgs),
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxTokens,
	}
	// The OpenAI API accepts at most four stop sequences; the rest are cut client side.
	if len(stop) > 0 {
		req.Stop = stop[:min(len(stop), 4)]
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s returned no choices", c.cfg.Provider)
	}
	return Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Transcribe converts an audio file on the host to text with a Whisper model.
func (c *OpenAIClient) Transcribe(ctx context.Context, path string) (string, error) {
	model := c.cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := c.audio.CreateTranscription(ctx, openai.AudioRequest{Model: model, FilePath: path})
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", path, classifyOpenAIError(err))
	}
	return resp.Text, nil
}

func encodeOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{Role: string(m.Role)}
		if len(m.Parts) == 0 {
			msg.Content = m.Content
			out = append(out, msg)
			continue
		}
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case PartImage:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return err
}
