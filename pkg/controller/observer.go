package controller

import (
	"context"
	"sync"

	"github.com/powercycled/powercycled/pkg/observability"
)

// Observer consumes the events a run emits. Calls for one run arrive
// sequentially from the worker goroutine, in emission order.
type Observer interface {
	OnLog(LogEvent)
	OnProgress(ProgressEvent)
	OnFinished(Summary)
}

// ObserverFuncs wires plain functions into an Observer implementation.
type ObserverFuncs struct {
	Log      func(LogEvent)
	Progress func(ProgressEvent)
	Finished func(Summary)
}

// OnLog implements Observer.
func (o ObserverFuncs) OnLog(ev LogEvent) {
	if o.Log != nil {
		o.Log(ev)
	}
}

// OnProgress implements Observer.
func (o ObserverFuncs) OnProgress(ev ProgressEvent) {
	if o.Progress != nil {
		o.Progress(ev)
	}
}

// OnFinished implements Observer.
func (o ObserverFuncs) OnFinished(s Summary) {
	if o.Finished != nil {
		o.Finished(s)
	}
}

// NoopObserver discards all events.
type NoopObserver struct{}

// OnLog implements Observer.
func (NoopObserver) OnLog(LogEvent) {}

// OnProgress implements Observer.
func (NoopObserver) OnProgress(ProgressEvent) {}

// OnFinished implements Observer.
func (NoopObserver) OnFinished(Summary) {}

// MultiObserver fans every event out to each observer in order.
type MultiObserver []Observer

// OnLog implements Observer.
func (m MultiObserver) OnLog(ev LogEvent) {
	for _, o := range m {
		if o != nil {
			o.OnLog(ev)
		}
	}
}

// OnProgress implements Observer.
func (m MultiObserver) OnProgress(ev ProgressEvent) {
	for _, o := range m {
		if o != nil {
			o.OnProgress(ev)
		}
	}
}

// OnFinished implements Observer.
func (m MultiObserver) OnFinished(s Summary) {
	for _, o := range m {
		if o != nil {
			o.OnFinished(s)
		}
	}
}

// AsyncObserver decouples a slow observer from the worker. Events are queued
// without bound and delivered in order on a dedicated goroutine.
type AsyncObserver struct {
	next Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(Observer)
	closed bool
	done   chan struct{}
}

// NewAsyncObserver starts the delivery goroutine for next.
func NewAsyncObserver(next Observer) *AsyncObserver {
	if next == nil {
		next = NoopObserver{}
	}
	a := &AsyncObserver{next: next, done: make(chan struct{})}
	a.cond = sync.NewCond(&a.mu)
	go a.drain()
	return a
}

// OnLog implements Observer.
func (a *AsyncObserver) OnLog(ev LogEvent) {
	a.enqueue(func(o Observer) { o.OnLog(ev) })
}

// OnProgress implements Observer.
func (a *AsyncObserver) OnProgress(ev ProgressEvent) {
	a.enqueue(func(o Observer) { o.OnProgress(ev) })
}

// OnFinished implements Observer.
func (a *AsyncObserver) OnFinished(s Summary) {
	a.enqueue(func(o Observer) { o.OnFinished(s) })
}

// Close stops accepting events and blocks until every queued event was delivered.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) enqueue(fn func(Observer)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.queue = append(a.queue, fn)
	a.cond.Signal()
}

func (a *AsyncObserver) drain() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.closed {
			a.mu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, fn := range batch {
			fn(a.next)
		}
	}
}

// StructuredObserver forwards run events to a structured logger.
type StructuredObserver struct {
	host      string
	component string
	logger    observability.Logger
}

// NewStructuredObserver builds an observer that enriches events with the target host.
func NewStructuredObserver(host string, logger observability.Logger) *StructuredObserver {
	return &StructuredObserver{
		host:      host,
		component: "controller",
		logger:    logger,
	}
}

// OnLog implements Observer.
func (s *StructuredObserver) OnLog(ev LogEvent) {
	s.log(observability.Event{
		Timestamp: ev.Timestamp,
		Level:     ev.Level,
		RunID:     ev.RunID,
		Event:     ev.Name,
		Message:   ev.Message,
	})
}

// OnProgress implements Observer.
func (s *StructuredObserver) OnProgress(ev ProgressEvent) {
	s.log(observability.Event{
		Level: observability.LevelInfo,
		RunID: ev.RunID,
		Event: "loop_progress",
		Fields: map[string]interface{}{
			"loop_index":    ev.LoopIndex,
			"success_count": ev.SuccessCount,
		},
	})
}

// OnFinished implements Observer.
func (s *StructuredObserver) OnFinished(sum Summary) {
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"state":         string(sum.State),
		"loops":         sum.Loops,
		"loop_index":    sum.LoopIndex,
		"success_count": sum.SuccessCount,
		"duration_sec":  sum.FinishedAt.Sub(sum.StartedAt).Seconds(),
	}
	if sum.Err != nil {
		level = observability.LevelError
		fields["error"] = sum.Err.Error()
	}
	s.log(observability.Event{
		Timestamp: sum.FinishedAt,
		Level:     level,
		RunID:     sum.RunID,
		Event:     "run_finished",
		Fields:    fields,
	})
}

func (s *StructuredObserver) log(ev observability.Event) {
	if s == nil || s.logger == nil {
		return
	}
	if ev.Host == "" {
		ev.Host = s.host
	}
	if ev.Component == "" {
		ev.Component = s.component
	}
	_ = s.logger.Log(context.Background(), ev)
}

var _ Observer = ObserverFuncs{}
var _ Observer = NoopObserver{}
var _ Observer = MultiObserver(nil)
var _ Observer = (*AsyncObserver)(nil)
var _ Observer = (*StructuredObserver)(nil)
