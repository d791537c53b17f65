package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when no backend in a [Chain] succeeded.
var ErrExhausted = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain tries a primary backend and then its fallbacks in order. Backends
// whose breaker is open are skipped.
type Chain[T any] struct {
	links []link[T]
	cfg   BreakerConfig
}

// NewChain returns a chain whose first entry is primary.
func NewChain[T any](name string, primary T, cfg BreakerConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(name, primary)
	return c
}

// Add appends a fallback. It is not safe to call concurrently with [Do].
func (c *Chain[T]) Add(name string, backend T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, backend: backend, breaker: NewBreaker(cfg)})
}

// Names lists the backends in the order they are tried.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Primary returns the first backend.
func (c *Chain[T]) Primary() T {
	return c.links[0].backend
}

// Do calls fn with each backend until one succeeds. A cancelled context
// stops the walk immediately and its error is returned unwrapped.
func Do[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		var out R
		err := l.breaker.Do(func() error {
			var err error
			out, err = fn(l.backend)
			return err
		})
		if err == nil {
			return out, nil
		}
		if isCancel(err) {
			return zero, err
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("backend skipped, circuit open", "backend", l.name)
		} else {
			slog.Warn("backend failed", "backend", l.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
