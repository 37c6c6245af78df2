package exchange

import (
	"time"

	"github.com/sirupsen/logrus"
)

// sweepLoop retires requests past their expiry deadline on a fixed timer.
// Expiry is best-effort and silent: no notification is sent.
func (e *Engine) sweepLoop() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepExpired(time.Now())
		case <-e.stopChan:
			return
		}
	}
}

// sweepExpired transitions every non-terminal request past expiresAt to
// Expired.
func (e *Engine) sweepExpired(now time.Time) {
	pending, err := e.store.PendingRequests()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sweepExpired",
		}).WithError(err).Warn("Could not load pending requests")
		return
	}

	expired := 0
	for _, req := range pending {
		if !req.Expired(now) {
			continue
		}

		unlock := e.locks.lock(req.ID)
		current, ok, err := e.store.GetRequest(req.ID)
		if err == nil && ok && !current.State.Terminal() && current.Expired(now) {
			current.State = StateExpired
			if err := e.store.PutRequest(current); err == nil {
				expired++
				e.retries.cancel(current.ID)
			}
		}
		unlock.Unlock()
	}

	if expired > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sweepExpired",
			"expired":  expired,
		}).Info("Retired expired exchange requests")
	}
}
