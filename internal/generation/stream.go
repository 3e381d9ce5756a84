package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"locallab/internal/backend"
	"locallab/pkg/types"
)

// Stream is a finite, non-restartable sequence of text fragments. Next
// produces one chunk per call. After the last fragment Next returns io.EOF
// for stop, length, repetition and timeout completions, or the terminal
// error for failures. Close may be called at any time, more than once.
type Stream struct {
	mu sync.Mutex

	id     string
	e      *Engine
	t      Target
	sess   backend.Session
	params Params
	opts   StreamOptions

	stops    []string
	held     []string
	detector *Detector
	start    time.Time
	deadline time.Time

	chunk      int
	sinceCheck int
	resizes    int
	recovered  bool

	tokens  int
	emitted strings.Builder
	pending string

	done    bool
	reason  string
	err     error
	flushed bool
}

func newStream(e *Engine, t Target, sess backend.Session, p Params, chunk int, opts StreamOptions) *Stream {
	now := e.now()
	stops := markers(p.Stop)
	held := append(append([]string(nil), stops...), t.special()...)
	return &Stream{
		id:       uuid.NewString(),
		e:        e,
		t:        t,
		sess:     sess,
		params:   p,
		opts:     opts,
		stops:    stops,
		held:     held,
		detector: NewDetector(),
		start:    now,
		deadline: now.Add(p.MaxTime),
		chunk:    chunk,
	}
}

// ID identifies the stream in logs.
func (s *Stream) ID() string { return s.id }

// Next returns the next non-empty fragment.
func (s *Stream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.done {
			return s.terminal()
		}
		frag := s.step(ctx)
		if frag != "" {
			return frag, nil
		}
	}
}

// terminal hands out the held-back tail once, then the end signal.
func (s *Stream) terminal() (string, error) {
	if !s.flushed {
		s.flushed = true
		if s.pending != "" && s.err == nil {
			tail := s.pending
			s.pending = ""
			s.emitted.WriteString(tail)
			return tail, nil
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// step runs at most one chunk and returns the text that became safe to emit.
func (s *Stream) step(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		s.finish(FinishCanceled, err)
		return ""
	}
	if s.opts.Alive != nil {
		if err := s.opts.Alive(); err != nil {
			s.finish(FinishError, err)
			return ""
		}
	}
	if !s.e.now().Before(s.deadline) {
		s.finish(FinishTimeout, nil)
		return ""
	}
	remaining := s.params.MaxNewTokens - s.tokens
	if remaining <= 0 {
		s.finish(FinishLength, nil)
		return ""
	}
	s.adjustChunk(ctx)
	n := min(s.chunk, remaining)

	dctx, cancel := context.WithDeadline(ctx, s.deadline)
	var out backend.Output
	err := s.e.runner.Do(dctx, func(c context.Context) error {
		var err error
		out, err = s.sess.Next(c, n)
		return err
	})
	cancel()

	if len(out.Pieces) > n {
		out.Pieces = out.Pieces[:n]
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.finish(FinishCanceled, ctx.Err())
			return ""
		case errors.Is(err, context.DeadlineExceeded):
			frag, _ := s.consume(out.Pieces)
			s.finish(FinishTimeout, nil)
			return frag
		case backend.IsOutOfMemory(err) && !s.recovered:
			s.recovered = true
			s.e.releaseCaches(s.t)
			s.resize(max(s.e.minChunk, s.chunk/2))
			s.e.log.Warn().Str("event", "stream_oom_recovery").Str("stream", s.id).
				Str("model", s.t.ModelID).Int("chunk", s.chunk).Err(err).Msg("recovering in place")
			return ""
		case backend.IsOutOfMemory(err):
			s.finish(FinishError, &OutOfMemoryError{Partial: s.emitted.String() + s.pending, Cause: err})
			return ""
		default:
			s.finish(FinishError, fmt.Errorf("stream chunk: %w", err))
			return ""
		}
	}

	frag, stopped := s.consume(out.Pieces)
	switch {
	case stopped != "":
		s.finish(stopped, nil)
	case out.EOS || len(out.Pieces) == 0:
		s.finish(FinishStop, nil)
	case s.tokens >= s.params.MaxNewTokens:
		s.finish(FinishLength, nil)
	case !s.e.now().Before(s.deadline):
		s.finish(FinishTimeout, nil)
	}
	return frag
}

// consume appends pieces to the pending buffer, runs the repetition and
// marker checks and returns the emit-safe prefix. The second value is a
// finish reason when a check fired.
func (s *Stream) consume(pieces []string) (string, string) {
	reason := ""
	for _, p := range pieces {
		s.tokens++
		s.pending += p
		s.sinceCheck++
		if s.detector.Add(p) {
			reason = FinishRepetition
			break
		}
	}
	var frag string
	if i := firstMarker(s.pending, s.stops); i >= 0 {
		frag = s.pending[:i]
		s.pending = ""
		reason = FinishStop
	} else if reason != "" {
		frag = s.pending
		s.pending = ""
	} else {
		n := safeEmitLen(s.pending, s.held)
		frag = s.pending[:n]
		s.pending = s.pending[n:]
	}
	frag = StripSpecial(frag, s.t.special())
	s.emitted.WriteString(frag)
	return frag, reason
}

// adjustChunk re-evaluates memory pressure every checkEvery tokens: halve
// the chunk under pressure, grow it by one toward the ceiling otherwise.
func (s *Stream) adjustChunk(ctx context.Context) {
	if s.e.monitor == nil || s.sinceCheck < s.e.checkEvery {
		return
	}
	s.sinceCheck = 0
	snap := s.e.monitor.Snapshot(ctx)
	if s.e.monitor.IsUnderPressure(snap, s.t.OnGPU) {
		s.e.releaseCaches(s.t)
		s.resize(max(s.e.minChunk, s.chunk/2))
		return
	}
	s.resize(min(s.e.maxChunk, s.chunk+1))
}

func (s *Stream) resize(n int) {
	if n != s.chunk {
		s.e.log.Debug().Str("event", "chunk_resize").Str("stream", s.id).Int("from", s.chunk).Int("to", n).Msg("")
		s.chunk = n
		s.resizes++
	}
}

// finish moves the stream to its terminal state and releases the session.
func (s *Stream) finish(reason string, err error) {
	if s.done {
		return
	}
	s.done = true
	s.reason = reason
	s.err = err
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
	if s.opts.OnDone != nil {
		s.opts.OnDone(s.summary())
	}
}

func (s *Stream) summary() types.StreamSummary {
	sum := types.StreamSummary{
		ID:           s.id,
		Model:        s.t.ModelID,
		FinishReason: s.reason,
		Tokens:       s.tokens,
		Text:         s.emitted.String() + s.pending,
		ChunkResizes: s.resizes,
		OOMRecovered: s.recovered,
		Duration:     s.e.now().Sub(s.start),
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}

// Close stops the stream. It waits for an in-progress chunk to complete so
// the model is never left mid-call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(FinishCanceled, nil)
	s.flushed = true
	return nil
}

// Summary reports the current outcome. FinishReason is empty while the
// stream is running.
func (s *Stream) Summary() types.StreamSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary()
}

// Collect drains s into one string. It is used by batch generation and tests.
func Collect(ctx context.Context, s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Next(ctx)
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}
