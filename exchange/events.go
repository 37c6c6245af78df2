package exchange

import "sync"

// callbacks holds the event surface exposed to the UI/storage
// collaborators. All setters may be called before or after Start.
type callbacks struct {
	mu                sync.RWMutex
	onRequestReceived func(*Request)
	onAccepted        func(*AcceptResult)
	onDeclined        func(*Request)
	onRevoked         func(*Request)
	onConfirmed       func(*Request)
	onDeliveryFailed  func(requestID, reason string)
}

// OnRequestReceived registers the callback surfaced when a new inbound
// request awaits the recipient's decision. Nothing is auto-accepted.
func (e *Engine) OnRequestReceived(fn func(*Request)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onRequestReceived = fn
}

// OnAccepted registers the callback fired when an exchange completes on
// either side; the conversation layer materializes from it.
func (e *Engine) OnAccepted(fn func(*AcceptResult)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onAccepted = fn
}

// OnDeclined registers the callback fired when a request is declined,
// locally or by the peer.
func (e *Engine) OnDeclined(fn func(*Request)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onDeclined = fn
}

// OnRevoked registers the callback fired when a request is revoked.
func (e *Engine) OnRevoked(fn func(*Request)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onRevoked = fn
}

// OnConfirmed registers the callback fired when the peer confirms it
// materialized the conversation.
func (e *Engine) OnConfirmed(fn func(*Request)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onConfirmed = fn
}

// OnDeliveryFailed registers the callback fired after retries are
// exhausted; the reason is user-visible and actionable.
func (e *Engine) OnDeliveryFailed(fn func(requestID, reason string)) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	e.callbacks.onDeliveryFailed = fn
}

func (c *callbacks) requestReceived(req *Request) {
	c.mu.RLock()
	fn := c.onRequestReceived
	c.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

func (c *callbacks) accepted(result *AcceptResult) {
	c.mu.RLock()
	fn := c.onAccepted
	c.mu.RUnlock()
	if fn != nil {
		fn(result)
	}
}

func (c *callbacks) declined(req *Request) {
	c.mu.RLock()
	fn := c.onDeclined
	c.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

func (c *callbacks) revoked(req *Request) {
	c.mu.RLock()
	fn := c.onRevoked
	c.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

func (c *callbacks) confirmed(req *Request) {
	c.mu.RLock()
	fn := c.onConfirmed
	c.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

func (c *callbacks) deliveryFailed(requestID, reason string) {
	c.mu.RLock()
	fn := c.onDeliveryFailed
	c.mu.RUnlock()
	if fn != nil {
		fn(requestID, reason)
	}
}
