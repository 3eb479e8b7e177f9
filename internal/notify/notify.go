// Package notify fans job events out to owners' Telegram bots without blocking
// the runner.
package notify

import (
	"context"
	"sync"
	"time"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/telemetry"
)

// Notifier accepts job events. Implementations must not block.
type Notifier interface {
	Notify(owner, event string, job models.Job)
}

// Sink delivers one event synchronously.
type Sink interface {
	Deliver(ctx context.Context, owner, event string, job models.Job) (Report, error)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(string, string, models.Job) {}

type envelope struct {
	owner string
	event string
	job   models.Job
}

// Async buffers events and delivers them from a background goroutine. When the
// buffer is full new events are dropped and logged.
type Async struct {
	sink    Sink
	log     *logger.Logger
	timeout time.Duration
	ch      chan envelope

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(sink Sink, buffer int, log *logger.Logger) *Async {
	if buffer <= 0 {
		buffer = 100
	}
	if log == nil {
		log = logger.Discard()
	}
	a := &Async{
		sink:    sink,
		log:     log,
		timeout: 30 * time.Second,
		ch:      make(chan envelope, buffer),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) Notify(owner, event string, job models.Job) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- envelope{owner: owner, event: event, job: job}:
	default:
		telemetry.NotifyDropped.Inc()
		a.log.WithFields(logger.Fields{
			logger.FieldOwner: owner,
			logger.FieldEvent: event,
			logger.FieldJobID: job.ID,
		}).Warn("notification buffer full, dropping event")
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for env := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		rep, err := a.sink.Deliver(ctx, env.owner, env.event, env.job)
		cancel()
		log := a.log.WithFields(logger.Fields{
			logger.FieldOwner: env.owner,
			logger.FieldEvent: env.event,
			logger.FieldJobID: env.job.ID,
		})
		if err != nil {
			log.WithError(err).Error("notification delivery failed")
			continue
		}
		if rep.Failed > 0 {
			log.WithFields(logger.Fields{"sent": rep.Sent, "failed": rep.Failed, "errors": rep.Errors}).Warn("some notifications failed")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
