package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestFirstReturnsFirstSuccess(t *testing.T) {
	var order []string
	mk := func(name string, err error) Attempt[int] {
		return Attempt[int]{Name: name, Run: func(context.Context) (int, error) {
			order = append(order, name)
			if err != nil {
				return 0, err
			}
			return len(order), nil
		}}
	}
	v, name, err := First(context.Background(), zerolog.Nop(), "class",
		mk("causal", errors.New("boom")), mk("generic", nil), mk("vision-seq", nil))
	if err != nil || name != "generic" || v != 2 {
		t.Fatalf("v=%d name=%s err=%v", v, name, err)
	}
	if len(order) != 2 {
		t.Fatalf("later attempts must not run: %v", order)
	}
}

func TestFirstExhausted(t *testing.T) {
	last := errors.New("last")
	_, _, err := First(context.Background(), zerolog.Nop(), "tokenizer",
		Attempt[string]{Name: "a", Run: func(context.Context) (string, error) { return "", errors.New("a") }},
		Attempt[string]{Name: "b", Run: func(context.Context) (string, error) { return "", last }},
	)
	var ex *ExhaustedError
	if !errors.As(err, &ex) || len(ex.Attempts) != 2 || ex.Stage != "tokenizer" {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("exhausted error must wrap the last cause")
	}
	if _, _, err := First[int](context.Background(), zerolog.Nop(), "empty"); err == nil {
		t.Fatalf("expected error with no attempts")
	}
}

func TestFirstStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	_, _, err := First(ctx, zerolog.Nop(), "class",
		Attempt[int]{Name: "a", Run: func(context.Context) (int, error) { ran++; cancel(); return 0, errors.New("a") }},
		Attempt[int]{Name: "b", Run: func(context.Context) (int, error) { ran++; return 1, nil }},
	)
	if !errors.Is(err, context.Canceled) || ran != 1 {
		t.Fatalf("err=%v ran=%d", err, ran)
	}
}

func TestRetryOnce(t *testing.T) {
	oom := errors.New("out of memory")
	calls, recovered := 0, 0
	op := func(context.Context) error {
		calls++
		if calls == 1 {
			return oom
		}
		return nil
	}
	err := RetryOnce(context.Background(), zerolog.Nop(), "chunk", op,
		func(err error) bool { return errors.Is(err, oom) }, func() { recovered++ })
	if err != nil || calls != 2 || recovered != 1 {
		t.Fatalf("err=%v calls=%d recovered=%d", err, calls, recovered)
	}

	calls = 0
	other := errors.New("other")
	err = RetryOnce(context.Background(), zerolog.Nop(), "chunk",
		func(context.Context) error { calls++; return other },
		func(err error) bool { return errors.Is(err, oom) }, nil)
	if !errors.Is(err, other) || calls != 1 {
		t.Fatalf("non-recoverable error retried: calls=%d", calls)
	}

	calls = 0
	err = RetryOnce(context.Background(), zerolog.Nop(), "chunk",
		func(context.Context) error { calls++; return oom },
		func(error) bool { return true }, nil)
	if !errors.Is(err, oom) || calls != 2 {
		t.Fatalf("expected exactly one retry, calls=%d", calls)
	}
}

func TestGuardBoundsChain(t *testing.T) {
	g := NewGuard(2)
	for _, id := range []string{"a", "b", "c"} {
		if err := g.Visit(id); err != nil {
			t.Fatalf("visit %s: %v", id, err)
		}
	}
	if err := g.Visit("d"); !errors.Is(err, ErrHopLimit) {
		t.Fatalf("expected hop limit, got %v", err)
	}
	if g.Attempts() != 3 {
		t.Fatalf("attempts=%d", g.Attempts())
	}
}

func TestGuardDetectsCycle(t *testing.T) {
	g := NewGuard(10)
	_ = g.Visit("a")
	_ = g.Visit("b")
	if err := g.Visit("a"); !errors.Is(err, ErrHopLimit) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if p := g.Path(); len(p) != 2 {
		t.Fatalf("path=%v", p)
	}
}
