// internal/llmclient/metrics.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNegativeCost is returned when a negative cost is recorded.
var ErrNegativeCost = errors.New("cost must not be negative")

// CallRecord is one priced gateway call.
type CallRecord struct {
	Function  string
	Model     string
	Usage     Usage
	Cost      float64
	Timestamp time.Time
}

// Metrics accumulates cost across all gateways of a session.
type Metrics struct {
	mu          sync.Mutex
	total       float64
	perFunction map[string]float64
	calls       []CallRecord
}

// NewMetrics returns an empty accumulator.
func NewMetrics() *Metrics {
	return &Metrics{perFunction: make(map[string]float64)}
}

// Add records one call's cost under function.
func (m *Metrics) Add(rec CallRecord) error {
	if rec.Cost < 0 {
		return fmt.Errorf("%w: %f", ErrNegativeCost, rec.Cost)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += rec.Cost
	m.perFunction[rec.Function] += rec.Cost
	m.calls = append(m.calls, rec)
	return nil
}

// Total returns the accumulated cost.
func (m *Metrics) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// ByFunction returns a copy of the per-function breakdown.
func (m *Metrics) ByFunction() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.perFunction))
	for k, v := range m.perFunction {
		out[k] = v
	}
	return out
}

// Calls returns a copy of the cost log.
func (m *Metrics) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

// Pricing is the per-token price of a model.
type Pricing struct {
	Input  float64
	Output float64
}

// Cost prices a usage report.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)*p.Input + float64(u.CompletionTokens)*p.Output
}

// CallObserver receives every priced call, for example an audit store.
type CallObserver interface {
	RecordCall(ctx context.Context, rec CallRecord, msgs []Message, c Completion)
}

// Metered prices each successful call and adds it to metrics under function.
func Metered(metrics *Metrics, function, model string, price Pricing, logger *zap.Logger, observers ...CallObserver) Middleware {
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, msgs []Message, stop []string) (Completion, error) {
			start := time.Now()
			c, err := next.Completion(ctx, msgs, stop)
			if err != nil {
				return c, err
			}
			c.Cost = price.Cost(c.Usage)
			rec := CallRecord{Function: function, Model: model, Usage: c.Usage, Cost: c.Cost, Timestamp: start}
			if err := metrics.Add(rec); err != nil {
				logger.Warn("Dropping invalid cost record", zap.Error(err))
			}
			logger.Debug("LLM generation complete",
				zap.String("function", function),
				zap.Duration("duration", time.Since(start)),
				zap.Int("prompt_tokens", c.Usage.PromptTokens),
				zap.Int("completion_tokens", c.Usage.CompletionTokens),
				zap.Float64("cost", c.Cost),
				zap.Float64("accumulated_cost", metrics.Total()),
			)
			for _, o := range observers {
				o.RecordCall(ctx, rec, msgs, c)
			}
			return c, nil
		})
	}
}
