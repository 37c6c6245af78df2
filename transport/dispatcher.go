package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the dispatch queue capacity.
const DefaultQueueSize = 256

// Dispatcher decouples provider delivery callbacks from protocol handling.
// Callbacks enqueue onto a bounded queue and return immediately; a single
// consumer goroutine invokes handlers in arrival order, preserving per-peer
// ordering without ever blocking the callback thread.
type Dispatcher struct {
	transport Transport
	queue     chan *Envelope

	mu       sync.RWMutex
	handlers map[NotificationType]Handler

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopChan  chan struct{}
	done      chan struct{}
}

// NewDispatcher wraps a transport with a bounded dispatch queue. A
// non-positive queueSize falls back to DefaultQueueSize.
func NewDispatcher(tr Transport, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		transport: tr,
		queue:     make(chan *Envelope, queueSize),
		handlers:  make(map[NotificationType]Handler),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register installs the handler for a notification type. Registration must
// happen before Start.
func (d *Dispatcher) Register(notificationType NotificationType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[notificationType] = handler
}

// Start hooks the dispatcher into the transport and launches the consumer.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.mu.RLock()
		types := make([]NotificationType, 0, len(d.handlers))
		for t := range d.handlers {
			types = append(types, t)
		}
		d.mu.RUnlock()

		for _, t := range types {
			d.transport.RegisterHandler(t, d.enqueue)
		}

		d.started = true
		go d.consume()
	})
}

// enqueue places an envelope on the queue without blocking. A full queue
// drops the envelope; the transport is best-effort and the protocol's
// retry/expiry paths absorb the loss.
func (d *Dispatcher) enqueue(env *Envelope) error {
	select {
	case d.queue <- env:
		return nil
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"type":     env.Type.String(),
		}).Warn("Dispatch queue full, dropping notification")
		return nil
	}
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for {
		select {
		case env := <-d.queue:
			d.dispatch(env)
		case <-d.stopChan:
			// Drain what is already queued before exiting.
			for {
				select {
				case env := <-d.queue:
					d.dispatch(env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(env *Envelope) {
	d.mu.RLock()
	handler := d.handlers[env.Type]
	d.mu.RUnlock()

	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type.String(),
		}).Warn("No handler for notification type")
		return
	}

	if err := handler(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type.String(),
		}).WithError(err).Warn("Notification handler failed")
	}
}

// Close stops the consumer after draining the queue.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		if d.started {
			<-d.done
		}
	})
}
