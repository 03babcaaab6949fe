package llm

import (
	"context"
	"errors"

	"callcoach-server/pkg/circuitbreaker"
)

// GuardedGenerator routes calls through a circuit breaker so an unhealthy
// model is not called on every extraction pass of every live call.
type GuardedGenerator struct {
	gen     Generator
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedGenerator wraps gen with breaker.
func NewGuardedGenerator(gen Generator, breaker *circuitbreaker.CircuitBreaker) *GuardedGenerator {
	return &GuardedGenerator{gen: gen, breaker: breaker}
}

// Generate calls the wrapped generator unless the circuit is open. An empty
// answer still proves the model is reachable and does not count against it.
func (g *GuardedGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	var text string
	var genErr error
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		text, genErr = g.gen.Generate(ctx, system, prompt)
		if errors.Is(genErr, ErrEmptyResponse) {
			return nil
		}
		return genErr
	})
	if err != nil {
		return "", err
	}
	return text, genErr
}
