package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kex/transport"
)

const (
	// DefaultConfirmBase is the first confirmation-retry delay.
	DefaultConfirmBase = time.Second
	// DefaultConfirmAttempts bounds confirmation retries.
	DefaultConfirmAttempts = 5
	confirmFactor          = 2
)

// ConfirmFunc retransmits the acceptance confirmation for a request and
// reports the transport's delivery count.
type ConfirmFunc func(ctx context.Context, requestID string, attempt int) (*transport.SendResult, error)

// Materializer turns accepted exchanges into durable contact+conversation
// pairs.
type Materializer struct {
	store   Store
	confirm ConfirmFunc

	confirmBase     time.Duration
	confirmAttempts int

	mu      sync.Mutex
	cancels map[string]chan struct{}
	wg      sync.WaitGroup
	closed  bool

	cbMu       sync.RWMutex
	onCreated  func(*Conversation)
	onRollback func(requestID string, err error)
	onWarning  func(conversationID, reason string)
}

// NewMaterializer creates a materializer over the given store. confirm is
// invoked, with retries, until the peer confirmation is delivered.
func NewMaterializer(store Store, confirm ConfirmFunc) *Materializer {
	return &Materializer{
		store:           store,
		confirm:         confirm,
		confirmBase:     DefaultConfirmBase,
		confirmAttempts: DefaultConfirmAttempts,
		cancels:         make(map[string]chan struct{}),
	}
}

// OnConversationCreated registers the creation event callback.
func (m *Materializer) OnConversationCreated(fn func(*Conversation)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onCreated = fn
}

// OnConversationRollback registers the rollback event callback.
func (m *Materializer) OnConversationRollback(fn func(requestID string, err error)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onRollback = fn
}

// OnDeliveryWarning registers the callback fired when confirmation
// delivery permanently fails; the conversation survives, the user should
// know the peer may not have it yet.
func (m *Materializer) OnDeliveryWarning(fn func(conversationID, reason string)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onWarning = fn
}

// MaterializeParams carries the output of an accepted exchange.
type MaterializeParams struct {
	RequestID      string
	LocalSessionID string
	PeerSessionID  string
	PeerPublicKey  []byte
	SharedKeyRef   string
	// Confirmed reports whether the acceptance/confirmation notice already
	// reached the peer; when false a confirmation retry is scheduled.
	Confirmed bool
}

// Materialize creates the contact and conversation as a single logical
// unit. If the conversation insert fails after the contact insert
// succeeded, the contact is rolled back so no orphan remains; a rollback
// failure is wrapped in ErrRollback and always surfaced.
func (m *Materializer) Materialize(ctx context.Context, params MaterializeParams) (*Conversation, error) {
	contact := &Contact{
		SessionID: params.PeerSessionID,
		PublicKey: params.PeerPublicKey,
		AddedAt:   time.Now(),
	}

	_, hadContact, err := m.store.GetContact(params.PeerSessionID)
	if err != nil {
		return nil, err
	}

	if err := m.store.PutContact(contact); err != nil {
		return nil, fmt.Errorf("contact creation failed: %w", err)
	}

	conv := &Conversation{
		ID:                    uuid.NewString(),
		ParticipantSessionIDs: [2]string{params.LocalSessionID, params.PeerSessionID},
		SharedKeyRef:          params.SharedKeyRef,
		CreatedAt:             time.Now(),
		Confirmed:             params.Confirmed,
	}

	if err := m.store.PutConversation(conv); err != nil {
		// Roll back the contact unless it predated this materialization.
		if !hadContact {
			if rbErr := m.store.DeleteContact(params.PeerSessionID); rbErr != nil {
				rollback := fmt.Errorf("%w: conversation failed (%v) and contact rollback failed (%v)", ErrRollback, err, rbErr)
				m.emitRollback(params.RequestID, rollback)
				return nil, rollback
			}
		}
		rollback := fmt.Errorf("%w: %v", ErrRollback, err)
		m.emitRollback(params.RequestID, rollback)
		return nil, rollback
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Materialize",
		"conversation_id": conv.ID,
		"confirmed":       conv.Confirmed,
	}).Info("Conversation materialized")

	m.emitCreated(conv)

	if !conv.Confirmed {
		m.scheduleConfirmation(params.RequestID, conv.ID)
	}

	return conv, nil
}

// ConfirmPeer marks a conversation confirmed after the peer's confirmation
// notice arrived, cancelling any pending confirmation retries for it.
func (m *Materializer) ConfirmPeer(requestID, localSessionID, peerSessionID string) error {
	m.cancelConfirm(requestID)

	convs, err := m.store.Conversations()
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if conv.Participants(localSessionID, peerSessionID) && !conv.Confirmed {
			conv.Confirmed = true
			return m.store.PutConversation(conv)
		}
	}
	return nil
}

// Close cancels pending confirmation retries.
func (m *Materializer) Close() {
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.cancels {
		close(ch)
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// scheduleConfirmation retries the confirmation notice with exponential
// backoff. Permanent failure surfaces a user-visible warning but never
// undoes the materialized conversation.
func (m *Materializer) scheduleConfirmation(requestID, conversationID string) {
	cancel := make(chan struct{})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.cancels[requestID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		delay := m.confirmBase
		for attempt := 2; attempt <= m.confirmAttempts; attempt++ {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-cancel:
				timer.Stop()
				return
			}

			result, err := m.confirm(context.Background(), requestID, attempt)
			if err == nil && result != nil && result.DeliveredCount > 0 {
				m.markConfirmed(conversationID)
				return
			}

			logrus.WithFields(logrus.Fields{
				"function":        "scheduleConfirmation",
				"conversation_id": conversationID,
				"attempt":         attempt,
			}).Debug("Confirmation not yet delivered")

			delay *= confirmFactor
		}

		m.emitWarning(conversationID, "peer may not have received the conversation - they may need to reconnect")
	}()
}

func (m *Materializer) cancelConfirm(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.cancels[requestID]; ok {
		close(ch)
		delete(m.cancels, requestID)
	}
}

func (m *Materializer) markConfirmed(conversationID string) {
	conv, ok, err := m.store.GetConversation(conversationID)
	if err != nil || !ok {
		return
	}
	conv.Confirmed = true
	_ = m.store.PutConversation(conv)
}

func (m *Materializer) emitCreated(conv *Conversation) {
	m.cbMu.RLock()
	fn := m.onCreated
	m.cbMu.RUnlock()
	if fn != nil {
		fn(conv)
	}
}

func (m *Materializer) emitRollback(requestID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function":   "emitRollback",
		"request_id": requestID,
	}).WithError(err).Error("Materialization rolled back")

	m.cbMu.RLock()
	fn := m.onRollback
	m.cbMu.RUnlock()
	if fn != nil {
		fn(requestID, err)
	}
}

func (m *Materializer) emitWarning(conversationID, reason string) {
	m.cbMu.RLock()
	fn := m.onWarning
	m.cbMu.RUnlock()
	if fn != nil {
		fn(conversationID, reason)
	}
}
