package provider

import (
	"sync"
)

// ChanStream is a Stream backed by a buffered channel. Producers call Push and
// Fail; consumers read Changes. It backs in-process and network streams alike.
type ChanStream struct {
	changes chan Change
	done    chan struct{}
	onClose func()
	once    sync.Once

	// mu guards sends on changes against its close.
	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewChanStream creates a stream with the given buffer. onClose, if set, runs once
// when the consumer closes the stream.
func NewChanStream(buffer int, onClose func()) *ChanStream {
	return &ChanStream{
		changes: make(chan Change, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *ChanStream) Changes() <-chan Change { return s.changes }

func (s *ChanStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed once the stream has terminated.
func (s *ChanStream) Done() <-chan struct{} { return s.done }

// Push delivers c unless the stream has terminated. It blocks while the buffer is full.
func (s *ChanStream) Push(c Change) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.changes <- c:
		return true
	case <-s.done:
		return false
	}
}

// TryPush delivers c without blocking and reports whether it was accepted.
func (s *ChanStream) TryPush(c Change) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.changes <- c:
		return true
	default:
		return false
	}
}

// Fail terminates the stream with err.
func (s *ChanStream) Fail(err error) {
	s.terminate(err, false)
}

// Close terminates the stream on behalf of the consumer.
func (s *ChanStream) Close() error {
	s.terminate(nil, true)
	return nil
}

func (s *ChanStream) terminate(err error, byConsumer bool) {
	first := false
	s.once.Do(func() {
		first = true
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
	if !first {
		return
	}

	// Blocked Push calls leave through done before the write lock is granted.
	s.mu.Lock()
	s.closed = true
	close(s.changes)
	s.mu.Unlock()

	if byConsumer && s.onClose != nil {
		s.onClose()
	}
}
