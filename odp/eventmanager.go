// Copyright 2024 SpotHero
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package odp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 10
	defaultQueueSize     = 10000
	defaultFlushInterval = time.Second

	// flush attempts per batch before the batch is dropped
	maxFlushRetries = 3
)

type signal int

const (
	noSignal signal = iota
	flushSignal
	updateConfigSignal
	shutdownSignal
)

// message is the typed union drained by the consumer goroutine: either an
// event or a control signal.
type message struct {
	event  *Event
	signal signal
	config configSnapshot
}

// configSnapshot is the event manager's private view of the ODP credentials,
// replaced only by the consumer when it processes an update-config signal.
// This keeps the pre-update batch flushing against the credentials it was
// collected under.
type configSnapshot struct {
	apiKey  string
	apiHost string
	state   ConfigState
}

type eventAPI interface {
	SendEvents(ctx context.Context, apiKey, apiHost string, events []Event) (bool, error)
}

// EventManager batches ODP events on a single consumer goroutine. Producers
// enqueue without blocking; a full queue drops the event with a warning. The
// batch flushes when it reaches the batch size, when the flush interval
// elapses, and on flush, update-config, and shutdown signals.
type EventManager struct {
	queue         chan message
	api           eventAPI
	batchSize     int
	flushInterval time.Duration
	logger        *zap.SugaredLogger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
}

// EventManagerOption configures an EventManager.
type EventManagerOption func(*EventManager)

// WithBatchSize sets how many events trigger an immediate flush.
func WithBatchSize(size int) EventManagerOption {
	return func(m *EventManager) {
		if size > 0 {
			m.batchSize = size
		}
	}
}

// WithQueueSize bounds the producer queue.
func WithQueueSize(size int) EventManagerOption {
	return func(m *EventManager) {
		if size > 0 {
			m.queue = make(chan message, size)
		}
	}
}

// WithFlushInterval sets how long a non-empty batch may wait before flushing.
func WithFlushInterval(interval time.Duration) EventManagerOption {
	return func(m *EventManager) {
		if interval > 0 {
			m.flushInterval = interval
		}
	}
}

// WithEventAPI overrides the event API client.
func WithEventAPI(api eventAPI) EventManagerOption {
	return func(m *EventManager) {
		m.api = api
	}
}

// WithEventManagerLogger attaches a logger.
func WithEventManagerLogger(logger *zap.SugaredLogger) EventManagerOption {
	return func(m *EventManager) {
		m.logger = logger
	}
}

// NewEventManager creates an event manager; Start must be called before
// events flow.
func NewEventManager(options ...EventManagerOption) *EventManager {
	manager := &EventManager{
		queue:         make(chan message, defaultQueueSize),
		api:           NewEventAPIClient(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        zap.NewNop().Sugar(),
		done:          make(chan struct{}),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// Start launches the consumer goroutine. Calling Start more than once has no
// effect.
func (m *EventManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.consume(ctx)
	})
}

// Send enqueues an event without blocking. Returns false when the queue is
// full; the event is dropped with a warning.
func (m *EventManager) Send(event Event) bool {
	select {
	case m.queue <- message{event: &event}:
		return true
	default:
		m.logger.Warnf("ODP event queue is full; dropping event with action %q.", event.Action)
		return false
	}
}

// Flush asks the consumer to flush the current batch.
func (m *EventManager) Flush() {
	m.enqueueSignal(message{signal: flushSignal})
}

// UpdateConfig flushes the current batch under the old credentials, then
// installs the new ones.
func (m *EventManager) UpdateConfig(config *Config) {
	m.enqueueSignal(message{signal: updateConfigSignal, config: config.snapshot()})
}

// Stop flushes and terminates the consumer, blocking until it exits. The
// shutdown signal must not be dropped on a full queue, so it is posted with a
// blocking send; a consumer that already exited unblocks the send through the
// done channel. Stopping a manager that was never started is a no-op.
func (m *EventManager) Stop() {
	m.stopOnce.Do(func() {
		if !m.started.Load() {
			return
		}
		select {
		case m.queue <- message{signal: shutdownSignal}:
		case <-m.done:
		}
		<-m.done
	})
}

func (m *EventManager) enqueueSignal(msg message) {
	select {
	case m.queue <- msg:
	default:
		m.logger.Warnf("ODP event queue is full; dropping control signal.")
	}
}

func (m *EventManager) consume(ctx context.Context) {
	defer close(m.done)

	config := configSnapshot{state: Undetermined}
	var batch []Event
	retries := 0
	deadline := time.Now().Add(m.flushInterval)

	flush := func() {
		deadline = time.Now().Add(m.flushInterval)
		if len(batch) == 0 {
			return
		}
		switch config.state {
		case Undetermined:
			// hold the batch until the first config update decides its fate
			return
		case NotIntegrated:
			batch = nil
			retries = 0
			return
		}
		retryable, err := m.api.SendEvents(ctx, config.apiKey, config.apiHost, batch)
		if err == nil {
			batch = nil
			retries = 0
			return
		}
		if !retryable {
			m.logger.Errorf("Error sending odp events, discarding batch: %v.", err)
			batch = nil
			retries = 0
			return
		}
		retries++
		if retries >= maxFlushRetries {
			m.logger.Errorf("Error sending odp events after %d attempts, discarding batch: %v.", retries, err)
			batch = nil
			retries = 0
			return
		}
		m.logger.Warnf("Error sending odp events, will retry: %v.", err)
	}

	timer := time.NewTimer(m.flushInterval)
	defer timer.Stop()
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			flush()
			return
		case <-timer.C:
			if len(batch) > 0 {
				flush()
			} else {
				deadline = time.Now().Add(m.flushInterval)
			}
		case msg := <-m.queue:
			switch {
			case msg.event != nil:
				batch = append(batch, *msg.event)
				if len(batch) >= m.batchSize {
					flush()
				}
			case msg.signal == flushSignal:
				flush()
			case msg.signal == updateConfigSignal:
				flush()
				config = msg.config
				// a held batch resolves immediately under the new state
				flush()
			case msg.signal == shutdownSignal:
				flush()
				return
			}
		}
	}
}
