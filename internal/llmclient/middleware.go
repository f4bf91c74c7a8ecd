// internal/llmclient/middleware.go
package llmclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds the exponential backoff of Retry.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	MinWait time.Duration
	MaxWait time.Duration
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if p.MinWait > 0 {
		b.InitialInterval = p.MinWait
	}
	if p.MaxWait > 0 {
		b.MaxInterval = p.MaxWait
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.Retries, 0))), ctx)
}

// Retry retries transient provider failures with jittered exponential backoff.
// Exhaustion or a permanent failure yields a *ProviderError.
func Retry(provider, model string, policy RetryPolicy, logger *zap.Logger) Middleware {
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
			var (
				out     Completion
				attempt int
			)
			operation := func() error {
				attempt++
				c, err := next.Completion(ctx, msgs, stop)
				if err != nil {
					var perm *backoff.PermanentError
					if errors.As(err, &perm) {
						return err
					}
					if IsPermanent(err) {
						return backoff.Permanent(err)
					}
					logger.Warn("LLM request failed, retrying...",
						zap.String("provider", provider),
						zap.Int("attempt", attempt),
						zap.Error(err))
					return err
				}
				out = c
				return nil
			}

			if err := backoff.Retry(operation, policy.newBackOff(ctx)); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Completion{}, ctxErr
				}
				return Completion{}, &ProviderError{Provider: provider, Model: model, Err: err}
			}
			return out, nil
		})
	}
}

// NewPerMinuteLimiter returns a limiter admitting rpm requests per minute, or
// nil when rpm is not positive.
func NewPerMinuteLimiter(rpm float64) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rpm/60), 1)
}

// RateLimit blocks each call until limiter admits it. A nil limiter is a no-op.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Gateway) Gateway {
		if limiter == nil {
			return next
		}
		return GatewayFunc(func(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
			if err := limiter.Wait(ctx); err != nil {
				return Completion{}, fmt.Errorf("rate limiter: %w", err)
			}
			return next.Completion(ctx, msgs, stop)
		})
	}
}

// Reviewer is a human console used in feedback mode.
type Reviewer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewReviewer reads answers from in and writes prompts to out.
func NewReviewer(in io.Reader, out io.Writer) *Reviewer {
	return &Reviewer{in: bufio.NewReader(in), out: out}
}

func (r *Reviewer) ask(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Feedback shows each completion to the reviewer. A "no" answer asks for a
// correction, appends the rejected reply and the correction to the
// conversation and calls the model again. The added turns are returned in
// Completion.Extra. End of input accepts the current reply.
func Feedback(r *Reviewer) Middleware {
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
			r.mu.Lock()
			defer r.mu.Unlock()

			conv := append([]Message(nil), msgs...)
			var extra []Message
			var usage Usage
			var cost float64
			for {
				c, err := next.Completion(ctx, conv, stop)
				if err != nil {
					return c, err
				}
				usage.PromptTokens += c.Usage.PromptTokens
				usage.CompletionTokens += c.Usage.CompletionTokens
				cost += c.Cost

				fmt.Fprintf(r.out, "\n--- model response ---\n%s\n----------------------\n", c.Text)
				answer, err := r.ask("Is this response acceptable? (yes/no): ")
				if err != nil || !strings.HasPrefix(strings.ToLower(answer), "n") {
					c.Extra, c.Usage, c.Cost = extra, usage, cost
					return c, nil
				}
				correction, err := r.ask("Please provide your feedback: ")
				if err != nil {
					c.Extra, c.Usage, c.Cost = extra, usage, cost
					return c, nil
				}
				turns := []Message{TextMessage(RoleAssistant, c.Text), TextMessage(RoleUser, correction)}
				extra = append(extra, turns...)
				conv = append(conv, turns...)
				if err := ctx.Err(); err != nil {
					return Completion{}, err
				}
			}
		})
	}
}
