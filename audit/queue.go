package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the capacity used when NewQueue is given a
// non-positive size.
const DefaultQueueSize = 1024

// ErrQueueFull is reported when an entry is dropped.
var ErrQueueFull = errors.New("audit queue full")

// Queue is a Writer that hands entries to a background goroutine. Write
// never blocks; when the queue is full the entry is dropped.
type Queue struct {
	next    Writer
	logger  *slog.Logger
	entries chan Entry
	dropped atomic.Int64
	wg      sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Writer = (*Queue)(nil)

// NewQueue starts a dispatcher forwarding entries to next.
func NewQueue(next Writer, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		next:    next,
		logger:  logger.With("component", "audit-queue"),
		entries: make(chan Entry, size),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Write enqueues e. It returns ErrQueueFull when the entry was dropped.
func (q *Queue) Write(_ context.Context, e Entry) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return ErrQueueFull
	}
	select {
	case q.entries <- e:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of entries dropped so far.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting entries and waits for queued ones to be written.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.entries)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for e := range q.entries {
		// Entries outlive the request that produced them.
		if err := q.next.Write(context.Background(), e); err != nil {
			q.logger.Warn("audit write failed", "event", string(e.Event), "entry_id", e.ID, "error", err)
		}
	}
}
