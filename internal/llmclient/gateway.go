// internal/llmclient/gateway.go
package llmclient

import (
	"context"
	"strings"
)

// Role of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType distinguishes the content parts of a multimodal turn.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one typed piece of a turn. Images travel as base64 data URLs.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Message is a role-tagged chat turn. When Parts is empty Content is the whole turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Text returns the concatenated text of the turn.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Images returns the data URLs of the turn's image parts.
func (m Message) Images() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartImage {
			out = append(out, p.ImageURL)
		}
	}
	return out
}

// TextMessage builds a text-only turn.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// ImageMessage builds a turn with a text part followed by image parts.
func ImageMessage(role Role, text string, dataURLs ...string) Message {
	parts := []Part{{Type: PartText, Text: text}}
	for _, u := range dataURLs {
		parts = append(parts, Part{Type: PartImage, ImageURL: u})
	}
	return Message{Role: role, Parts: parts}
}

// Usage reports token counts. Providers that do not report usage leave it zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the normalized result of one gateway call.
type Completion struct {
	Text string `json:"text"`
	// Extra holds reviewer turns added in feedback mode.
	Extra []Message `json:"extra,omitempty"`
	Usage Usage     `json:"usage"`
	Cost  float64   `json:"cost"`
}

// Gateway is the narrow completion interface the agent consumes.
type Gateway interface {
	Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msgs []Message, stop []string) (Completion, error)

// Completion calls f.
func (f GatewayFunc) Completion(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
	return f(ctx, msgs, stop)
}

// Middleware decorates a Gateway.
type Middleware func(Gateway) Gateway

// Chain wraps g so that the first middleware is the outermost.
func Chain(g Gateway, mws ...Middleware) Gateway {
	for i := len(mws) - 1; i >= 0; i-- {
		g = mws[i](g)
	}
	return g
}

// TruncateAtStop cuts text at the earliest occurrence of any stop token.
func TruncateAtStop(text string, stop []string) string {
	cut := len(text)
	for _, s := range stop {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}

// StopTokens guarantees that returned text never contains a stop token, even
// from providers that ignore or cap the stop parameter.
func StopTokens() Middleware {
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
			c, err := next.Completion(ctx, msgs, stop)
			if err != nil {
				return c, err
			}
			c.Text = TruncateAtStop(c.Text, stop)
			return c, nil
		})
	}
}

// splitSystem separates system turns from the conversation.
func splitSystem(msgs []Message) (system []string, rest []Message) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// decodeDataURL splits "data:image/png;base64,XXXX" into its mime type and payload.
func decodeDataURL(u string) (mime, payload string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	header, data, found := strings.Cut(u[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	mime, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return "", "", false
	}
	return mime, data, true
}
