package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryHub routes envelopes between in-process endpoints keyed by session
// ID. It mimics the push provider's semantics: best-effort delivery with a
// delivered-recipient count, plus fault injection for tests.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[string]*MemoryTransport),
	}
}

// Endpoint returns (creating if needed) the transport registered for a
// session ID.
func (h *MemoryHub) Endpoint(sessionID string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tr, ok := h.endpoints[sessionID]; ok {
		return tr
	}

	tr := &MemoryTransport{
		hub:       h,
		sessionID: sessionID,
		handlers:  make(map[NotificationType]Handler),
	}
	h.endpoints[sessionID] = tr
	return tr
}

func (h *MemoryHub) lookup(sessionID string) (*MemoryTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tr, ok := h.endpoints[sessionID]
	return tr, ok
}

// MemoryTransport is one endpoint on a MemoryHub. Fault counters let tests
// exercise the failure modes of a real push channel: hard send errors,
// accepted-but-undelivered sends, silent drops, and duplicated deliveries.
type MemoryTransport struct {
	hub       *MemoryHub
	sessionID string

	mu       sync.Mutex
	handlers map[NotificationType]Handler
	closed   bool

	failNext         int // Send returns ErrTransport
	zeroDeliverNext  int // accepted, DeliveredCount 0, nothing delivered
	dropNext         int // accepted, DeliveredCount 1, silently lost
	duplicateNext    int // delivered twice
	offline          bool
	sendCount        int
	deliveredByType  map[NotificationType]int
	deliveredByTypeM sync.Mutex
}

// Send routes the envelope to the recipient endpoint on the hub.
func (t *MemoryTransport) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	t.sendCount++
	if t.failNext > 0 {
		t.failNext--
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: injected failure", ErrTransport)
	}
	zeroDeliver := t.zeroDeliverNext > 0
	if zeroDeliver {
		t.zeroDeliverNext--
	}
	drop := t.dropNext > 0
	if drop {
		t.dropNext--
	}
	duplicate := t.duplicateNext > 0
	if duplicate {
		t.duplicateNext--
	}
	t.mu.Unlock()

	// The wire round-trip keeps the framing honest even in-process.
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	recipient, ok := t.hub.lookup(env.RecipientSessionID)
	if !ok || zeroDeliver || recipient.isOffline() {
		return &SendResult{Accepted: true, DeliveredCount: 0}, nil
	}

	if drop {
		// The provider believes it delivered; the recipient never sees it.
		return &SendResult{Accepted: true, DeliveredCount: 1}, nil
	}

	deliveries := 1
	if duplicate {
		deliveries = 2
	}
	for i := 0; i < deliveries; i++ {
		received, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		recipient.deliver(received)
	}

	return &SendResult{Accepted: true, DeliveredCount: 1}, nil
}

// RegisterHandler registers a handler for a notification type.
func (t *MemoryTransport) RegisterHandler(notificationType NotificationType, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[notificationType] = handler
}

// Close marks the endpoint closed; subsequent sends fail.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MemoryTransport) deliver(env *Envelope) {
	t.mu.Lock()
	handler := t.handlers[env.Type]
	t.mu.Unlock()

	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deliver",
			"session_id": truncateSID(t.sessionID),
			"type":       env.Type.String(),
		}).Debug("No handler registered, notification lost")
		return
	}

	t.deliveredByTypeM.Lock()
	if t.deliveredByType == nil {
		t.deliveredByType = make(map[NotificationType]int)
	}
	t.deliveredByType[env.Type]++
	t.deliveredByTypeM.Unlock()

	_ = handler(env)
}

func (t *MemoryTransport) isOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline
}

// SetOffline simulates the recipient being unreachable: sends toward it are
// accepted but report zero delivered.
func (t *MemoryTransport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

// FailNext makes the next n Send calls return a transport error.
func (t *MemoryTransport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

// ZeroDeliverNext makes the next n sends report zero delivered recipients.
func (t *MemoryTransport) ZeroDeliverNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zeroDeliverNext = n
}

// DropNext makes the next n sends report success while silently losing the
// envelope.
func (t *MemoryTransport) DropNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropNext = n
}

// DuplicateNext makes the next n sends deliver the envelope twice.
func (t *MemoryTransport) DuplicateNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duplicateNext = n
}

// SendCount reports how many envelopes reached this endpoint's Send.
func (t *MemoryTransport) SendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCount
}

// DeliveredCount reports how many envelopes of a type were handed to a
// handler on this endpoint.
func (t *MemoryTransport) DeliveredCount(notificationType NotificationType) int {
	t.deliveredByTypeM.Lock()
	defer t.deliveredByTypeM.Unlock()
	return t.deliveredByType[notificationType]
}

func truncateSID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
