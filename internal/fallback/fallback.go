// Package fallback implements the shared retry and fallback policy used by
// model loading and generation. Every failed attempt is logged locally; only
// exhaustion is returned to the caller.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Attempt is one alternative in an ordered fallback list.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// ExhaustedError is returned when every attempt failed. Last is the error of
// the final attempt.
type ExhaustedError struct {
	Stage    string
	Attempts []string
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Stage, len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// First runs attempts in order and returns the first success together with
// the attempt name. Context cancellation stops the walk immediately.
func First[T any](ctx context.Context, log zerolog.Logger, stage string, attempts ...Attempt[T]) (T, string, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, "", &ExhaustedError{Stage: stage, Last: errors.New("no attempts")}
	}
	names := make([]string, 0, len(attempts))
	var last error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		names = append(names, a.Name)
		v, err := a.Run(ctx)
		if err == nil {
			return v, a.Name, nil
		}
		last = err
		log.Warn().Str("event", "fallback_attempt_failed").Str("stage", stage).Str("attempt", a.Name).Err(err).Msg("")
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}
	}
	return zero, "", &ExhaustedError{Stage: stage, Attempts: names, Last: last}
}

// RetryOnce runs op; if it fails with an error accepted by recoverable, it
// runs onRetry and then op a second time. The second error is final.
func RetryOnce(ctx context.Context, log zerolog.Logger, stage string, op func(ctx context.Context) error, recoverable func(error) bool, onRetry func()) error {
	err := op(ctx)
	if err == nil || recoverable == nil || !recoverable(err) || ctx.Err() != nil {
		return err
	}
	log.Warn().Str("event", "retry").Str("stage", stage).Err(err).Msg("recovering once")
	if onRetry != nil {
		onRetry()
	}
	return op(ctx)
}

// ErrHopLimit is returned by Guard.Visit when a chain exceeds its hop budget
// or revisits an id.
var ErrHopLimit = errors.New("fallback hop limit reached")

// Guard bounds recursive fallback chains with an explicit hop count and a
// visited set.
type Guard struct {
	max  int
	hops int
	seen map[string]bool
	path []string
}

// NewGuard allows at most maxHops fallbacks after the first visit.
func NewGuard(maxHops int) *Guard {
	return &Guard{max: maxHops, seen: make(map[string]bool)}
}

// Visit records id. It fails when id was already visited or the hop budget
// is spent.
func (g *Guard) Visit(id string) error {
	if g.seen[id] {
		return fmt.Errorf("%w: cycle at %s (path %v)", ErrHopLimit, id, g.path)
	}
	if len(g.path) > 0 {
		if g.hops >= g.max {
			return fmt.Errorf("%w: %d hops (path %v)", ErrHopLimit, g.hops, g.path)
		}
		g.hops++
	}
	g.seen[id] = true
	g.path = append(g.path, id)
	return nil
}

// Path returns the ids visited so far.
func (g *Guard) Path() []string { return append([]string(nil), g.path...) }

// Attempts reports how many ids were visited.
func (g *Guard) Attempts() int { return len(g.path) }
