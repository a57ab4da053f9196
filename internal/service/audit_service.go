// Package service contains stateful orchestration services built on the
// domain ports.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// ErrAuditBackpressure is returned when the audit queue stays full for the
// whole send wait. The event was not accepted.
var ErrAuditBackpressure = errors.New("audit queue full")

// request is one caller's submission. ack receives the result of the
// batch write that carried it. ctx is the submitter's context; a request
// whose ctx is done before its batch is written is withdrawn.
type request struct {
	ctx    context.Context
	events []audit.Event
	flush  bool
	ack    chan error
}

// AuditService is a group-commit writer in front of an audit.Store.
// Concurrent Append calls are batched into a single Store.Append and every
// caller is acknowledged with that batch's result. Nothing is dropped
// silently: a submission is either written, or its caller gets an error.
type AuditService struct {
	store         audit.Store
	queue         chan request
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	queueSize   int
	sendTimeout time.Duration
	rejected    atomic.Int64
	batches     atomic.Int64
	written     atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events that triggers an immediate write.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the longest time an event waits for its batch.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithQueueSize sets the size of the submission queue.
func WithQueueSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithSendTimeout sets how long Append waits for queue space before
// returning ErrAuditBackpressure.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		if timeout > 0 {
			s.sendTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each batch write to the store.
func WithWriteTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// WithWarningThreshold sets the queue depth warning percentage (0-100).
// Zero disables the warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = min(max(percent, 0), 100)
	}
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditService{
		store:            store,
		logger:           logger,
		batchSize:        100,
		flushInterval:    50 * time.Millisecond,
		writeTimeout:     5 * time.Second,
		queueSize:        1000,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan request, s.queueSize)
	return s
}

// Start begins the background writer. When ctx is cancelled the service
// stops accepting events, writes what is queued and exits.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Append submits events and waits until the batch carrying them is
// written. It returns the store's error, ErrAuditBackpressure when the
// queue stays full, audit.ErrStoreClosed after Stop, or ctx's error when
// the caller stops waiting. Events whose ctx is done before their batch
// write starts are withdrawn and never reach the store; only a wait that
// expires during the write itself can still see them written.
func (s *AuditService) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.submit(ctx, request{ctx: ctx, events: events, ack: make(chan error, 1)})
}

// Flush writes everything queued before it and then flushes the store.
func (s *AuditService) Flush(ctx context.Context) error {
	return s.submit(ctx, request{ctx: ctx, flush: true, ack: make(chan error, 1)})
}

func (s *AuditService) submit(ctx context.Context, req request) error {
	if err := s.enqueue(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.ack:
		return err
	case <-ctx.Done():
		return fmt.Errorf("audit write not acknowledged: %w", ctx.Err())
	}
}

func (s *AuditService) enqueue(ctx context.Context, req request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return audit.ErrStoreClosed
	}

	if s.warningThreshold > 0 {
		depth := len(s.queue)
		if depth >= s.queueSize*s.warningThreshold/100 {
			s.warnQueueDepth(depth)
		}
	}

	select {
	case s.queue <- req:
		return nil
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.queue <- req:
		return nil
	case <-timer.C:
		n := s.rejected.Add(1)
		s.logger.Warn("audit submission rejected",
			"events", len(req.events),
			"total_rejected", n,
		)
		return ErrAuditBackpressure
	case <-ctx.Done():
		return fmt.Errorf("audit submission abandoned: %w", ctx.Err())
	}
}

// warnQueueDepth logs a warning about queue capacity, at most once per second.
func (s *AuditService) warnQueueDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit queue approaching capacity",
			"depth", depth,
			"capacity", s.queueSize,
			"percent", depth*100/s.queueSize,
		)
	}
}

// Rejected returns the number of submissions refused for backpressure.
func (s *AuditService) Rejected() int64 {
	return s.rejected.Load()
}

// Batches returns the number of batch writes attempted.
func (s *AuditService) Batches() int64 {
	return s.batches.Load()
}

// Written returns the number of events the store accepted.
func (s *AuditService) Written() int64 {
	return s.written.Load()
}

// QueueDepth returns current queue usage.
func (s *AuditService) QueueDepth() int {
	return len(s.queue)
}

// QueueCapacity returns the queue size.
func (s *AuditService) QueueCapacity() int {
	return s.queueSize
}

// Stop refuses new submissions, writes everything already queued and
// waits for the worker to exit. Safe to call more than once.
func (s *AuditService) Stop() {
	s.shutdown()
	s.wg.Wait()
}

// Close stops the service and closes the underlying store.
func (s *AuditService) Close() error {
	s.Stop()
	return s.store.Close()
}

func (s *AuditService) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
}

// worker collects submissions into batches. It exits once the queue is
// closed and drained.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	var (
		pending []request
		count   int
	)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case req, ok := <-s.queue:
			if !ok {
				s.write(pending)
				return
			}
			if req.flush {
				s.write(pending)
				pending, count = pending[:0], 0
				req.ack <- s.flushStore()
				continue
			}
			pending = append(pending, req)
			count += len(req.events)
			if count >= s.batchSize {
				s.write(pending)
				pending, count = pending[:0], 0
			}

		case <-ticker.C:
			if len(pending) > 0 {
				s.write(pending)
				pending, count = pending[:0], 0
			}

		case <-done:
			// Keep draining until shutdown closes the queue; blocked
			// senders hold the read lock so shutdown runs separately.
			done = nil
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.shutdown()
			}()
		}
	}
}

// write appends every pending event in one store call and acknowledges
// each submitter with the result. Requests whose submitter stopped
// waiting are acknowledged with their context error and not written.
func (s *AuditService) write(pending []request) {
	live := pending[:0]
	for _, req := range pending {
		if err := req.ctx.Err(); err != nil {
			s.logger.Debug("audit submission withdrawn",
				"events", len(req.events),
				"error", err,
			)
			req.ack <- fmt.Errorf("audit submission withdrawn: %w", err)
			continue
		}
		live = append(live, req)
	}
	pending = live
	if len(pending) == 0 {
		return
	}
	var events []audit.Event
	for _, req := range pending {
		events = append(events, req.events...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	err := s.store.Append(ctx, events...)
	cancel()

	s.batches.Add(1)
	if err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(events),
		)
	} else {
		s.written.Add(int64(len(events)))
	}
	for _, req := range pending {
		req.ack <- err
	}
}

func (s *AuditService) flushStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.store.Flush(ctx)
}

// Compile-time interface verification.
var _ audit.Store = (*AuditService)(nil)
