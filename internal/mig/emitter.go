package mig

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	defaultQueueSize   = 256
	defaultWorkerCount = 4
)

// Handler receives notifications on an emitter worker goroutine.
type Handler func(Notification)

// Logger is the subset of logging.Logger the emitter needs.
type Logger interface {
	Error(msg string, args ...any)
}

// EmitterConfig sizes an Emitter. Zero values select the defaults.
type EmitterConfig struct {
	// QueueSize is the total buffer across all workers.
	QueueSize int
	// Workers is the number of delivery goroutines.
	Workers int
	Logger  Logger
}

// EmitterStats reports delivery counters.
type EmitterStats struct {
	Emitted   uint64 `json:"emitted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Emitter fans notifications out to subscribed handlers without blocking
// the caller.
//
// Each worker owns a bounded queue. Notifications are sharded by domain and
// address, so those for one module are delivered in emission order while
// different modules proceed in parallel. When a queue is full the
// notification is dropped and counted.
type Emitter struct {
	queues []chan Notification

	handlers  []Handler
	handlerMu sync.RWMutex

	logger Logger

	// closeMu orders Emit's send against Close's channel close.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	emitted   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewEmitter starts the worker pool.
func NewEmitter(cfg EmitterConfig) *Emitter {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	perWorker := max(size/workers, 1)

	e := &Emitter{
		queues: make([]chan Notification, workers),
		logger: cfg.Logger,
	}
	for i := range e.queues {
		e.queues[i] = make(chan Notification, perWorker)
		e.wg.Add(1)
		go e.worker(e.queues[i])
	}
	return e
}

// Subscribe adds a handler. Handlers must be registered before the first
// Emit to be guaranteed every notification.
func (e *Emitter) Subscribe(h Handler) {
	e.handlerMu.Lock()
	e.handlers = append(e.handlers, h)
	e.handlerMu.Unlock()
}

// Emit queues n for delivery. It returns false if n was dropped because the
// queue was full or the emitter is closed.
func (e *Emitter) Emit(n Notification) bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return false
	}

	e.emitted.Add(1)
	select {
	case e.queues[e.shard(n)] <- n:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *Emitter) shard(n Notification) int {
	if len(e.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(n.Domain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Address))
	return int(h.Sum32() % uint32(len(e.queues))) //nolint:gosec // len is small and positive
}

func (e *Emitter) worker(q <-chan Notification) {
	defer e.wg.Done()
	for n := range q {
		e.deliver(n)
	}
}

func (e *Emitter) deliver(n Notification) {
	e.handlerMu.RLock()
	handlers := e.handlers
	e.handlerMu.RUnlock()

	for _, h := range handlers {
		e.invoke(h, n)
	}
	e.delivered.Add(1)
}

func (e *Emitter) invoke(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			if e.logger != nil {
				e.logger.Error("notification handler panic",
					"domain", n.Domain,
					"address", n.Address,
					"error", fmt.Sprint(r),
				)
			}
		}
	}()
	h(n)
}

// Close stops accepting notifications, delivers what is already queued and
// waits for the workers to exit.
func (e *Emitter) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		close(q)
	}
	e.closeMu.Unlock()

	e.wg.Wait()
}

// Stats returns a snapshot of the delivery counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Emitted:   e.emitted.Load(),
		Delivered: e.delivered.Load(),
		Dropped:   e.dropped.Load(),
		Panics:    e.panics.Load(),
	}
}
