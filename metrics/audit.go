package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
)

// Event types emitted by the orchestrator.
const (
	EventRoute = "route_decision"
	EventCache = "cache_outcome"
	EventGate  = "gate_decision"
)

// Event is one structured audit record.
type Event struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Time      time.Time      `json:"time"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink accepts audit events without blocking the caller.
type Sink interface {
	Emit(Event)
}

// Writer persists audit events; it runs on the sink's worker goroutine.
type Writer interface {
	Write(ctx context.Context, e Event) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, e Event) error

func (f WriterFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// AsyncSink queues events for a single background worker and drops events
// when the queue is full.
type AsyncSink struct {
	queue   chan Event
	writers []Writer
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

// NewAsyncSink starts a worker draining into writers.
func NewAsyncSink(size int, writers ...Writer) *AsyncSink {
	if size <= 0 {
		size = 1024
	}
	s := &AsyncSink{queue: make(chan Event, size), writers: writers, done: make(chan struct{})}
	go s.run()
	return s
}

// Emit implements Sink.
func (s *AsyncSink) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		incAuditDropped()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, w := range s.writers {
			if err := w.Write(ctx, e); err != nil {
				logger.Warnf("audit: write %s event failed: %v", e.Type, err)
			}
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

// LogWriter writes events to the structured process log.
func LogWriter() Writer {
	return WriterFunc(func(_ context.Context, e Event) error {
		fields := make([]zap.Field, 0, len(e.Fields)+2)
		fields = append(fields, zap.String("request_id", e.RequestID), zap.Time("event_time", e.Time))
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		logger.L().Info("audit."+e.Type, fields...)
		return nil
	})
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
