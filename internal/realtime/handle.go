package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle position of a subscription handle.
type State int32

const (
	StatePending State = iota
	StateActive
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

var errStreamEnded = errors.New("stream ended by provider")

// handle is the lifecycle shared by every subscription kind. The worker slot in
// wg is taken at creation so the output channel cannot be closed before the
// worker either starts or is released.
type handle struct {
	id     string
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	err     error
	closers []func() error
}

func newHandle(parent context.Context, key string) *handle {
	ctx, cancel := context.WithCancel(parent)
	h := &handle{
		id:     uuid.NewString(),
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StatePending,
	}
	h.wg.Add(1)
	return h
}

// ID is unique per handle instance; a re-created subscription gets a new one.
func (h *handle) ID() string { return h.id }

func (h *handle) Key() string { return h.key }

func (h *handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the terminal error of an errored handle.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the handle leaves the active state.
func (h *handle) Done() <-chan struct{} { return h.done }

// activate moves a pending handle to active and registers the resource to release
// on close. It returns false if the handle was closed while pending.
func (h *handle) activate(closer func() error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePending {
		return false
	}
	h.state = StateActive
	h.closers = append(h.closers, closer)
	return true
}

// release gives up the worker slot of a handle whose worker never started.
func (h *handle) release() {
	h.wg.Done()
}

// finish moves the handle to a terminal state and releases its resources.
// Only the first call has an effect.
func (h *handle) finish(state State, err error) bool {
	h.mu.Lock()
	if h.state == StateClosed || h.state == StateErrored {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.err = err
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	h.cancel()
	for _, c := range closers {
		_ = c()
	}
	close(h.done)
	return true
}

// spawn runs fn as tracked background work of the handle.
func (h *handle) spawn(fn func()) {
	select {
	case <-h.done:
		return
	default:
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// closeAfter closes out once the handle is done and all of its workers returned.
func closeAfter[T any](h *handle, out chan T) {
	go func() {
		<-h.done
		h.wg.Wait()
		close(out)
	}()
}

// send delivers v on out unless the handle is done.
func send[T any](h *handle, out chan<- T, v T) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case out <- v:
		return true
	case <-h.done:
		return false
	}
}
