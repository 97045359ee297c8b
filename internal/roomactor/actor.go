// Package roomactor gives every live room a single goroutine that
// processes one mutation at a time, so concurrent joins, heartbeats and
// game-end callbacks for the same room never interleave (spec.md §5/§9).
// It is modeled on the teacher's own (unfinished) Hub/Room sketch in
// internal/server/game.go, generalized from a per-room game loop into a
// generic mailbox actor that knows nothing about any specific game.
package roomactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const mailboxSize = 64

// Fn is one unit of room work. It receives the room's idempotency
// tracker alongside ctx so handlers can check-and-record a dedup key in
// the same pass.
type Fn func(ctx context.Context, dedup *Dedup) (any, error)

type request struct {
	ctx    context.Context
	fn     Fn
	result chan response
}

type response struct {
	value any
	err   error
}

// Actor serializes all work for one room behind a bounded mailbox.
type Actor struct {
	roomCode     string
	mailbox      chan request
	done         chan struct{}
	dedup        *Dedup
	lastActivity atomic.Int64 // unix nanos
}

func newActor(roomCode string) *Actor {
	a := &Actor{
		roomCode: roomCode,
		mailbox:  make(chan request, mailboxSize),
		done:     make(chan struct{}),
		dedup:    newDedup(256),
	}
	a.touch()
	go a.run()
	return a
}

func (a *Actor) touch() { a.lastActivity.Store(time.Now().UnixNano()) }

func (a *Actor) IdleSince() time.Duration {
	return time.Since(time.Unix(0, a.lastActivity.Load()))
}

func (a *Actor) run() {
	for {
		select {
		case req := <-a.mailbox:
			a.touch()
			value, err := req.fn(req.ctx, a.dedup)
			req.result <- response{value: value, err: err}
		case <-a.done:
			return
		}
	}
}

// Submit enqueues fn and blocks until it has run, or ctx is done, or the
// mailbox is full and the submit deadline (if any) elapses.
func (a *Actor) Submit(ctx context.Context, fn Fn) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := request{ctx: ctx, fn: fn, result: make(chan response, 1)}
	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, fmt.Errorf("room %s actor stopped", a.roomCode)
	}

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Actor) stop() { close(a.done) }

// Registry lazily creates one Actor per live room code and reaps ones
// idle past a configured threshold.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]*Actor)}
}

func (r *Registry) GetOrCreate(roomCode string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[roomCode]; ok {
		return a
	}
	a := newActor(roomCode)
	r.actors[roomCode] = a
	return a
}

// ReapIdle stops and drops every actor that has been idle longer than
// maxIdle. Call periodically from a background task.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for code, a := range r.actors {
		if a.IdleSince() > maxIdle {
			a.stop()
			delete(r.actors, code)
			reaped++
		}
	}
	return reaped
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
