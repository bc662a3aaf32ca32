// Package streams keeps in-flight generations addressable by an opaque stream
// id so a dropped client can re-attach and replay the response from the start.
//
// The registry is the provider-side replay buffer from the resume flow's point
// of view: a subscriber always receives the full logical response (buffered
// prefix, then the live tail), never a partial suffix.
package streams

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// ErrReplayUnavailable is returned when a stream exists but can no longer be
// replayed (buffer overflow). Callers should fall back to regeneration.
var ErrReplayUnavailable = errors.New("stream replay unavailable")

// ErrStreamNotFound is returned when no stream is registered under an id.
var ErrStreamNotFound = errors.New("stream not found")

const (
	// maxBufferBytes bounds the replay buffer per stream. A response larger
	// than this stops being replayable; resumption then regenerates.
	maxBufferBytes = 1 << 20

	// maxStreamAge is the hard ceiling on a live stream's lifetime. Anything
	// older is presumed leaked and reaped.
	maxStreamAge = 30 * time.Minute
)

// Stream is a single in-flight (or recently finished) generation.
type Stream struct {
	id string

	mu         sync.Mutex
	cond       *sync.Cond
	buf        []string
	bufBytes   int
	overflowed bool
	closed     bool
	err        error

	createdAt  time.Time
	finishedAt time.Time
}

// Registry tracks streams by id and expires them after a retention period.
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	retention time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry creates a registry. Finished streams stay replayable for the
// given retention before the janitor removes them.
func NewRegistry(retention time.Duration) *Registry {
	r := &Registry{
		streams:   make(map[string]*Stream),
		retention: retention,
		stopCh:    make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Create registers a new stream under a fresh opaque id.
func (r *Registry) Create() *Stream {
	s := &Stream{
		id:        shortuuid.New(),
		createdAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)

	r.mu.Lock()
	r.streams[s.id] = s
	r.mu.Unlock()
	return s
}

// Get returns the stream registered under id, or nil.
func (r *Registry) Get(id string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// Remove drops a stream from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// Stop shuts down the janitor goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.streams {
		s.mu.Lock()
		expired := (s.closed && !s.finishedAt.IsZero() && now.Sub(s.finishedAt) > r.retention) ||
			now.Sub(s.createdAt) > maxStreamAge
		s.mu.Unlock()
		if expired {
			delete(r.streams, id)
		}
	}
}

// ID returns the stream's opaque identifier.
func (s *Stream) ID() string {
	return s.id
}

// Publish appends a delta to the replay buffer and wakes subscribers.
func (s *Stream) Publish(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, delta)
	s.bufBytes += len(delta)
	if s.bufBytes > maxBufferBytes {
		s.overflowed = true
	}
	s.cond.Broadcast()
}

// Finish marks the stream complete (err == nil) or failed. Idempotent.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.finishedAt = time.Now()
	s.cond.Broadcast()
}

// Err returns the terminal error, if any. Valid after the subscription's
// delta channel is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finished reports whether the stream reached a terminal state.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscription delivers a stream's deltas from the beginning.
type Subscription struct {
	// Deltas yields the full logical response in order: the buffered prefix
	// first, then live deltas. Closed when the stream finishes or the
	// subscription is cancelled.
	Deltas <-chan string
	// Err yields at most one terminal error after Deltas closes.
	Err <-chan error

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// Cancel detaches the subscriber. The underlying stream keeps running.
func (sub *Subscription) Cancel() {
	sub.cancelOnce.Do(func() { close(sub.cancelCh) })
}

// Subscribe attaches a subscriber that replays the stream from offset zero.
// Returns ErrReplayUnavailable if the buffer overflowed.
func (s *Stream) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	if s.overflowed {
		s.mu.Unlock()
		return nil, ErrReplayUnavailable
	}
	s.mu.Unlock()

	deltas := make(chan string, 32)
	errCh := make(chan error, 1)
	sub := &Subscription{
		Deltas:   deltas,
		Err:      errCh,
		cancelCh: make(chan struct{}),
	}

	// The cancel watcher wakes the reader out of cond.Wait; cond has no
	// channel-based wait of its own.
	done := make(chan struct{})
	go func() {
		select {
		case <-sub.cancelCh:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	go func() {
		defer close(deltas)
		defer close(errCh)
		defer close(done)

		next := 0
		for {
			s.mu.Lock()
			for next >= len(s.buf) && !s.closed && !cancelled(sub.cancelCh) {
				s.cond.Wait()
			}
			if cancelled(sub.cancelCh) {
				s.mu.Unlock()
				return
			}
			if next < len(s.buf) {
				delta := s.buf[next]
				next++
				s.mu.Unlock()
				select {
				case deltas <- delta:
				case <-sub.cancelCh:
					return
				}
				continue
			}
			// Closed and fully drained.
			err := s.err
			s.mu.Unlock()
			if err != nil {
				errCh <- err
			}
			return
		}
	}()

	return sub, nil
}

func cancelled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
