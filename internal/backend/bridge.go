package backend

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed is returned by Next after the session was closed.
var ErrSessionClosed = errors.New("session closed")

// callbackSession turns a blocking, callback-driven generation (one call
// that reports each token through emit) into a Session. The generation runs
// once in its own goroutine; emit blocks until Next takes the token, so the
// producer is never more than one token ahead of the consumer.
type callbackSession struct {
	toks chan string
	stop chan struct{}
	done chan struct{}
	once sync.Once
	// err is written before done is closed.
	err error
}

// newCallbackSession starts run. emit returns false once the session is
// closed, and run should then return promptly.
func newCallbackSession(run func(emit func(string) bool) error) *callbackSession {
	s := &callbackSession{
		toks: make(chan string),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		err := run(s.emit)
		if err != nil && !s.stopped() {
			s.err = err
		}
	}()
	return s
}

func (s *callbackSession) emit(tok string) bool {
	select {
	case s.toks <- tok:
		return true
	case <-s.stop:
		return false
	}
}

func (s *callbackSession) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Next takes up to maxTokens tokens. EOS is set once the generation call
// has returned without error.
func (s *callbackSession) Next(ctx context.Context, maxTokens int) (Output, error) {
	var out Output
	for len(out.Pieces) < max(1, maxTokens) {
		select {
		case tok := <-s.toks:
			out.Pieces = append(out.Pieces, tok)
		case <-s.done:
			if s.err != nil {
				return out, s.err
			}
			if s.stopped() {
				return out, ErrSessionClosed
			}
			out.EOS = true
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// Close ends the generation at its next token and waits for it to return.
// It is safe to call more than once.
func (s *callbackSession) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
