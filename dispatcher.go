// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventDispatcher moves stack notifications off stack goroutines.
// Tasks with same key run serially in dispatch order, each key on its own goroutine.
// Goroutine of key exists only while key has queued tasks.
type EventDispatcher struct {
	log     zerolog.Logger
	metrics *Metrics
	onError func(err *DispatchHandlerError)

	mu      sync.Mutex
	idle    *sync.Cond
	queues  map[string]*dispatchQueue
	pending int
	closed  bool
}

type dispatchQueue struct {
	tasks []func() error
}

type DispatcherOption func(d *EventDispatcher)

// WithDispatcherErrorHandler is called for every failed or panicked task.
// It runs on dispatcher goroutine.
func WithDispatcherErrorHandler(f func(err *DispatchHandlerError)) DispatcherOption {
	return func(d *EventDispatcher) {
		d.onError = f
	}
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *EventDispatcher) {
		d.log = l
	}
}

func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *EventDispatcher) {
		d.metrics = m
	}
}

func NewEventDispatcher(opts ...DispatcherOption) *EventDispatcher {
	d := &EventDispatcher{
		log:    log.With().Str("caller", "dispatcher").Logger(),
		queues: make(map[string]*dispatchQueue),
	}
	d.idle = sync.NewCond(&d.mu)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch queues task on key. It never blocks and never runs task on calling goroutine.
func (d *EventDispatcher) Dispatch(key string, task func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.pending++
	q, running := d.queues[key]
	if running {
		q.tasks = append(q.tasks, task)
		return nil
	}

	q = &dispatchQueue{tasks: []func() error{task}}
	d.queues[key] = q
	go d.run(key, q)
	return nil
}

func (d *EventDispatcher) run(key string, q *dispatchQueue) {
	for {
		d.mu.Lock()
		if len(q.tasks) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		d.mu.Unlock()

		d.Guard(key, task)
		d.metrics.dispatched()

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}
}

// Guard runs fn on current goroutine. Error or panic is reported and swallowed.
func (d *EventDispatcher) Guard(key string, fn func() error) {
	var herr *DispatchHandlerError
	func() {
		defer func() {
			if r := recover(); r != nil {
				herr = &DispatchHandlerError{Key: key, Panic: r, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := fn(); err != nil {
			herr = &DispatchHandlerError{Key: key, Err: err}
		}
	}()

	if herr == nil {
		return
	}

	d.metrics.handlerFailed()
	d.log.Error().Err(herr).Str("key", key).Msg("Handler failed")
	if d.onError != nil {
		// Error handler must not break dispatcher either
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error().Interface("panic", r).Msg("Dispatch error handler panic")
				}
			}()
			d.onError(herr)
		}()
	}
}

// Wait blocks until all queued tasks are executed, including tasks queued meanwhile.
// Must not be called from task.
func (d *EventDispatcher) Wait() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close stops accepting new tasks and waits queued ones
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Wait()
}
