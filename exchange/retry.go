package exchange

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetryBase is the first backoff delay.
	DefaultRetryBase = 500 * time.Millisecond
	// DefaultMaxAttempts bounds total send attempts, the inline one
	// included.
	DefaultMaxAttempts = 4
	// retryFactor doubles the delay between attempts.
	retryFactor = 2
)

// retrier runs bounded exponential-backoff retries keyed by request ID.
// Cancelling a request's retries the moment it reaches a terminal state is
// what lets a revoke arriving mid-retry stop pending confirmation attempts.
type retrier struct {
	mu      sync.Mutex
	cancels map[string][]chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

func newRetrier() *retrier {
	return &retrier{cancels: make(map[string][]chan struct{})}
}

// schedule runs op at attempt numbers firstAttempt..maxAttempts with
// exponential backoff, stopping early on success or cancellation.
// onExhausted fires if every attempt fails.
func (r *retrier) schedule(requestID string, base time.Duration, firstAttempt, maxAttempts int, op func(attempt int) error, onExhausted func(err error)) {
	if base <= 0 {
		base = DefaultRetryBase
	}

	cancel := make(chan struct{})

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.cancels[requestID] = append(r.cancels[requestID], cancel)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		delay := base
		for i := 1; i < firstAttempt; i++ {
			delay *= retryFactor
		}

		var lastErr error
		for attempt := firstAttempt; attempt <= maxAttempts; attempt++ {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-cancel:
				timer.Stop()
				return
			}

			if err := op(attempt); err == nil {
				return
			} else {
				lastErr = err
				logrus.WithFields(logrus.Fields{
					"function":   "schedule",
					"request_id": requestID,
					"attempt":    attempt,
				}).WithError(err).Debug("Retry attempt failed")
			}

			delay *= retryFactor
		}

		if onExhausted != nil {
			onExhausted(lastErr)
		}
	}()
}

// cancel stops every pending retry for a request ID.
func (r *retrier) cancel(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.cancels[requestID] {
		close(ch)
	}
	delete(r.cancels, requestID)
}

// stop cancels everything and waits for retry goroutines to exit.
func (r *retrier) stop() {
	r.mu.Lock()
	r.stopped = true
	for id, chans := range r.cancels {
		for _, ch := range chans {
			close(ch)
		}
		delete(r.cancels, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}
