// Package worker runs blocking model calls on a fixed set of goroutines so
// that HTTP handlers only wait on channels.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker pool closed")

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a fixed-size worker pool.
type Pool struct {
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	busy   atomic.Int32
	log    zerolog.Logger
}

// New starts n workers (at least one).
func New(n int, log zerolog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{jobs: make(chan job), log: log}
	log.Debug().Int("workers", n).Msg("starting worker pool")
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.busy.Add(1)
		j.done <- p.run(j)
		p.busy.Add(-1)
	}
	p.log.Debug().Int("worker_id", id).Msg("worker stopping")
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("worker job panicked")
			err = errors.New("worker job panicked")
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on a worker and waits for it to return. If ctx ends before a
// worker picks the job up, Do returns ctx.Err() and fn never runs. Once fn
// has started Do always waits for it, so no call is left in flight.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	return <-j.done
}

// Busy reports how many workers are running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Close stops accepting work and waits for running jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
