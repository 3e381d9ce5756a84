// Package backendtest provides a scripted in-memory backend.Source for tests
// of the loader and the generation engine.
package backendtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"locallab/internal/backend"
)

// Model is a scripted model. Sessions emit Tokens in order; with Repeat the
// script loops forever, otherwise the session reports EOS when it runs out.
type Model struct {
	Tokens     []string
	Repeat     bool
	TokenDelay time.Duration
	// FailOn maps a 1-based Next call number (per session) to an error.
	FailOn map[int]error

	released atomic.Int32
	closed   atomic.Bool
	open     atomic.Int32
	started  atomic.Int32

	mu        sync.Mutex
	chunkReqs []int
	prompts   []string
}

// Released reports how many times ReleaseCaches was called.
func (m *Model) Released() int { return int(m.released.Load()) }

// Closed reports whether Close was called.
func (m *Model) Closed() bool { return m.closed.Load() }

// OpenSessions reports sessions started but not closed.
func (m *Model) OpenSessions() int { return int(m.open.Load()) }

// Sessions reports how many sessions were started.
func (m *Model) Sessions() int { return int(m.started.Load()) }

// ChunkRequests returns the maxTokens argument of every Next call.
func (m *Model) ChunkRequests() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.chunkReqs...)
}

// Prompts returns the prompts sessions were started with.
func (m *Model) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *Model) Start(ctx context.Context, prompt string, opts backend.Options) (backend.Session, error) {
	if m.closed.Load() {
		return nil, errors.New("model closed")
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	m.open.Add(1)
	m.started.Add(1)
	return &session{m: m}, nil
}

func (m *Model) ReleaseCaches() { m.released.Add(1) }

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

type session struct {
	m      *Model
	pos    int
	calls  int
	closed bool
}

func (s *session) Next(ctx context.Context, maxTokens int) (backend.Output, error) {
	s.calls++
	s.m.mu.Lock()
	s.m.chunkReqs = append(s.m.chunkReqs, maxTokens)
	s.m.mu.Unlock()
	if err, ok := s.m.FailOn[s.calls]; ok && err != nil {
		return backend.Output{}, err
	}
	var out backend.Output
	for len(out.Pieces) < maxTokens {
		if len(s.m.Tokens) == 0 || (!s.m.Repeat && s.pos >= len(s.m.Tokens)) {
			out.EOS = true
			return out, nil
		}
		if s.m.TokenDelay > 0 {
			t := time.NewTimer(s.m.TokenDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Pieces = append(out.Pieces, s.m.Tokens[s.pos%len(s.m.Tokens)])
		s.pos++
	}
	return out, nil
}

func (s *session) Close() error {
	if !s.closed {
		s.closed = true
		s.m.open.Add(-1)
	}
	return nil
}

// Tokenizer counts whitespace-separated words.
type Tokenizer struct{}

func (Tokenizer) CountTokens(text string) (int, error) { return len(strings.Fields(text)), nil }
func (Tokenizer) SpecialTokens() []string              { return []string{"<s>", "</s>"} }

// LoadCall records one LoadWeights invocation.
type LoadCall struct {
	SourceID string
	Class    backend.Class
	Plan     string
}

// Source is a scripted backend.Source. Errors are keyed by source id, by
// "sourceID|class" for weights and by "sourceID|kind" for tokenizers.
type Source struct {
	// Models maps source ids to models; Default serves every other id.
	Models  map[string]*Model
	Default *Model

	WeightErrs    map[string]error
	TokenizerErrs map[string]error
	// WeightErrOnce makes a keyed weight error fire only on its first use.
	WeightErrOnce bool
	Caps          backend.Capabilities
	LoadDelay     time.Duration

	mu        sync.Mutex
	loads     []LoadCall
	tokLoads  []string
	firedOnce map[string]bool
}

// Loads returns every LoadWeights call in order.
func (s *Source) Loads() []LoadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LoadCall(nil), s.loads...)
}

// TokenizerLoads returns "sourceID|kind" for every LoadTokenizer call.
func (s *Source) TokenizerLoads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokLoads...)
}

func (s *Source) Capabilities() backend.Capabilities { return s.Caps }

func (s *Source) LoadTokenizer(ctx context.Context, sourceID string, kind backend.TokenizerKind) (backend.Tokenizer, error) {
	s.mu.Lock()
	s.tokLoads = append(s.tokLoads, sourceID+"|"+string(kind))
	s.mu.Unlock()
	for _, k := range []string{sourceID + "|" + string(kind), sourceID} {
		if err, ok := s.TokenizerErrs[k]; ok {
			return nil, err
		}
	}
	return Tokenizer{}, nil
}

func (s *Source) LoadWeights(ctx context.Context, req backend.LoadRequest) (backend.Weights, error) {
	s.mu.Lock()
	s.loads = append(s.loads, LoadCall{SourceID: req.SourceID, Class: req.Class, Plan: req.Plan.String()})
	s.mu.Unlock()
	if s.LoadDelay > 0 {
		t := time.NewTimer(s.LoadDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	for _, k := range []string{req.SourceID + "|" + string(req.Class), req.SourceID + "|" + req.Plan.String(), req.SourceID} {
		err, ok := s.WeightErrs[k]
		if !ok {
			continue
		}
		if s.WeightErrOnce {
			s.mu.Lock()
			if s.firedOnce == nil {
				s.firedOnce = make(map[string]bool)
			}
			fired := s.firedOnce[k]
			s.firedOnce[k] = true
			s.mu.Unlock()
			if fired {
				continue
			}
		}
		return nil, err
	}
	if m, ok := s.Models[req.SourceID]; ok {
		return m, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return &Model{Tokens: []string{"ok"}}, nil
}
