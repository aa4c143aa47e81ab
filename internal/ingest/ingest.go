package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sensorhub/internal/metrics"
)

// Message is one raw inbound payload as handed over by a transport.
type Message struct {
	Topic      string
	Payload    []byte
	Source     string
	ReceivedAt time.Time
}

type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// Submitter accepts messages from transport callbacks without blocking them.
type Submitter interface {
	Submit(ctx context.Context, msg Message) bool
}

func SendNonBlocking(ctx context.Context, out chan<- Message, msg Message, logger *slog.Logger) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingest queue full, dropping message", "source", msg.Source, "topic", msg.Topic)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pool runs a fixed number of workers over a bounded queue.
type Pool struct {
	handler Handler
	queue   chan Message
	workers int
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(handler Handler, workers, queueSize int, collector *metrics.Collector, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		handler: handler,
		queue:   make(chan Message, queueSize),
		workers: workers,
		metrics: collector,
		logger:  logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-p.queue:
					if !ok {
						return
					}
					p.handler.Handle(ctx, msg)
				}
			}
		}()
	}
}

// Submit enqueues msg, dropping it when the queue is full or the pool stopped.
func (p *Pool) Submit(ctx context.Context, msg Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.MessageDropped("stopped")
		return false
	}
	if !SendNonBlocking(ctx, p.queue, msg, p.logger) {
		p.metrics.MessageDropped("queue_full")
		return false
	}
	return true
}

// Stop refuses new messages and waits for queued ones to be handled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
