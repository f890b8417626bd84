// Package workerpool implements the two bounded pools of spec §4.G: a
// connect/handshake pool and an I/O pool, both drawing task arguments
// from a fixed-size arena gated by a weighted semaphore so pool
// exhaustion fails the enqueue rather than growing unboundedly (spec
// §3's WorkerArg "pool exhaustion fails the enqueue with MEMORY_ERROR").
// Workers are never canceled asynchronously — a Pool only ever shrinks
// via Close, which lets in-flight handlers finish their current
// WorkerArg naturally (spec §4.G, §9 "deferred thread cancellation"
// redesign note).
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrExhausted is returned by Submit when the fixed-size WorkerArg
// arena has no free slots. The caller (server.Server) maps this onto
// spec §7's INTERNAL error kind and fails the descriptor closed.
var ErrExhausted = errors.New("workerpool: arg pool exhausted")

// Transition is the desired state transition a dispatched task drives,
// spec §3's WorkerArg.Transition.
type Transition int

const (
	Connecting Transition = iota
	Reading
	Writing
	Closing
)

func (t Transition) String() string {
	switch t {
	case Connecting:
		return "CONNECTING"
	case Reading:
		return "READING"
	case Writing:
		return "WRITING"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// WorkerArg is the small record a dispatcher event is turned into and
// handed to a worker (spec §3). SessionID is the registry key; fd
// rides alongside for pools that need the raw descriptor before a
// session exists yet (the connect pool, between accept and handshake
// completion).
type WorkerArg struct {
	Fd         int
	SessionID  uint64
	Transition Transition

	// CorrelationID identifies this dispatch once it has been handed
	// from the single dispatcher goroutine to a worker. Submit itself
	// does not log; the server's handlers put it on their task log line.
	CorrelationID string
}

// Handler processes one WorkerArg. It owns the descriptor for the
// duration of the call — the dispatcher guarantees no other task for
// the same descriptor is outstanding until the handler re-arms it.
type Handler func(*WorkerArg)

// Pool is a bounded set of goroutine workers pulling *WorkerArg off a
// channel, backed by a fixed-size arena (spec §4.G "a fixed-size memory
// pool"). Two independent Pools make up the gateway: one sized for
// handshake cost, one for steady-state I/O throughput (spec §2, §4.G).
type Pool struct {
	handler Handler
	sem     *semaphore.Weighted
	tasks   chan *WorkerArg
	argPool sync.Pool
	wg      sync.WaitGroup
}

// New starts size worker goroutines and an arena admitting at most
// capacity outstanding WorkerArgs at once. capacity also sizes the
// task channel, so Submit's channel send never blocks once admission
// succeeds.
func New(size, capacity int, handler Handler) *Pool {
	p := &Pool{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(capacity)),
		tasks:   make(chan *WorkerArg, capacity),
	}
	p.argPool.New = func() any { return new(WorkerArg) }

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for arg := range p.tasks {
		p.handler(arg)
		p.argPool.Put(arg)
		p.sem.Release(1)
	}
}

// Submit draws a WorkerArg from the arena and enqueues it for a worker.
// It returns ErrExhausted immediately rather than blocking when the
// arena is at capacity, matching spec §3's fail-closed contract; on this
// path the server closes the descriptor directly (see
// server.Server.submitConnect and submitIO).
func (p *Pool) Submit(fd int, sessionID uint64, transition Transition) error {
	if !p.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %s", ErrExhausted, transition)
	}
	arg := p.argPool.Get().(*WorkerArg)
	arg.Fd = fd
	arg.SessionID = sessionID
	arg.Transition = transition
	arg.CorrelationID = uuid.NewString()
	p.tasks <- arg
	return nil
}

// SubmitWait is like Submit but blocks until admission succeeds or ctx
// is done, for callers that would rather apply back-pressure than drop
// a task under load (unlike the dispatcher's own fail-closed Submit
// calls in server.Server.handleEvent).
func (p *Pool) SubmitWait(ctx context.Context, fd int, sessionID uint64, transition Transition) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	arg := p.argPool.Get().(*WorkerArg)
	arg.Fd = fd
	arg.SessionID = sessionID
	arg.Transition = transition
	arg.CorrelationID = uuid.NewString()
	p.tasks <- arg
	return nil
}

// Close stops accepting new work and waits for every in-flight handler
// to return. Workers already draining p.tasks finish their current
// item; no handler is interrupted mid-call.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
