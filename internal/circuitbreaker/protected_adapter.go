package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/notify"
)

// ProtectedAdapter wraps a channel adapter with a CircuitBreaker.
// When the downstream provider (SES, SNS, a webhook endpoint) starts
// failing, the circuit opens and sends fail fast instead of piling up.
type ProtectedAdapter struct {
	adapter notify.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps an adapter with circuit breaker protection.
func NewProtectedAdapter(adapter notify.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

// Channel delegates to the underlying adapter.
func (p *ProtectedAdapter) Channel() notify.Channel {
	return p.adapter.Channel()
}

// Provider delegates to the underlying adapter.
func (p *ProtectedAdapter) Provider() string {
	return p.adapter.Provider()
}

// Send attempts delivery through the circuit breaker. An open circuit is
// reported as a transient send error so the dispatch engine schedules a
// retry rather than suppressing the destination.
func (p *ProtectedAdapter) Send(ctx context.Context, dest notify.Destination, content notify.RenderedContent) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", string(p.adapter.Channel())),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", &notify.SendError{
			Code:    "circuit_open",
			Message: fmt.Sprintf("%s: %s adapter unavailable", ErrCircuitOpen, p.breaker.config.Name),
		}
	}

	ref, err := p.adapter.Send(ctx, dest, content)
	if err != nil {
		// Permanent rejections say nothing about provider health; only
		// transient failures count against the breaker.
		if notify.IsPermanentSendError(err) {
			p.breaker.RecordSuccess()
		} else {
			p.breaker.RecordFailure()
		}
		return "", err
	}

	p.breaker.RecordSuccess()
	return ref, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
