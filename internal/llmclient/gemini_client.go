// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/infant/internal/config"
)

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient adapts the Gemini API to Gateway.
type GeminiClient struct {
	models contentGenerator
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{models: models, cfg: cfg, logger: logger.Named("llm.gemini")}
}

// Completion implements Gateway.
func (c *GeminiClient) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	system, conv := splitSystem(msgs)
	gc := &genai.GenerateContentConfig{StopSequences: stop}
	if c.cfg.Temperature > 0 {
		temp := c.cfg.Temperature
		gc.Temperature = &temp
	}
	if c.cfg.TopP > 0 {
		topP := c.cfg.TopP
		gc.TopP = &topP
	}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if len(system) > 0 {
		gc.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, encodeGeminiContents(conv), gc)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Completion{}, classifyStatus(apiErr.Code, err)
		}
		return Completion{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Completion{}, errors.New("gemini API returned no candidates")
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	out := Completion{Text: b.String()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{PromptTokens: int(u.PromptTokenCount), CompletionTokens: int(u.CandidatesTokenCount)}
	}
	return out, nil
}

func encodeGeminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := string(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = string(genai.RoleModel)
		}
		content := &genai.Content{Role: role}
		if len(m.Parts) == 0 {
			content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
		}
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				content.Parts = append(content.Parts, genai.NewPartFromText(p.Text))
			case PartImage:
				mime, data, ok := decodeDataURL(p.ImageURL)
				if !ok {
					continue
				}
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					continue
				}
				content.Parts = append(content.Parts, genai.NewPartFromBytes(raw, mime))
			}
		}
		out = append(out, content)
	}
	return out
}
