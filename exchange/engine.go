package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/dedup"
	"github.com/opd-ai/kex/identity"
	"github.com/opd-ai/kex/transport"
)

// Config tunes the engine's timing behavior.
type Config struct {
	// RequestTTL is how long a request stays acceptable before the expiry
	// sweep retires it.
	RequestTTL time.Duration
	// SendTimeout bounds a single transport send.
	SendTimeout time.Duration
	// MaxSendAttempts bounds send attempts per notification, the inline
	// attempt included.
	MaxSendAttempts int
	// RetryBase is the first backoff delay.
	RetryBase time.Duration
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
	// QueueSize is the inbound dispatch queue capacity.
	QueueSize int
}

// DefaultConfig returns the standard timing profile.
func DefaultConfig() Config {
	return Config{
		RequestTTL:      24 * time.Hour,
		SendTimeout:     transport.DefaultSendTimeout,
		MaxSendAttempts: DefaultMaxAttempts,
		RetryBase:       DefaultRetryBase,
		SweepInterval:   time.Minute,
		QueueSize:       transport.DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTTL <= 0 {
		c.RequestTTL = d.RequestTTL
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = d.MaxSendAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// AcceptResult is handed to the acceptance callback so the conversation
// layer can materialize and decide confirmation handling.
type AcceptResult struct {
	Request    *Request
	SessionKey [32]byte
	// Confirmed reports whether the acceptance/confirmation notice toward
	// the peer was delivered to at least one recipient.
	Confirmed bool
}

// Engine drives the key exchange state machine for one local identity. The
// identity is injected explicitly at construction; there is no ambient
// "current identity".
type Engine struct {
	id    *identity.Identity
	keys  *crypto.SessionKeyStore
	tr    transport.Transport
	disp  *transport.Dispatcher
	store Store
	gate  *dedup.Deduplicator
	cfg   Config

	locks   *keyLocks
	retries *retrier

	callbacks callbacks

	stopChan chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewEngine wires the state machine over its collaborators.
func NewEngine(id *identity.Identity, tr transport.Transport, store Store, gate *dedup.Deduplicator, keys *crypto.SessionKeyStore, cfg Config) *Engine {
	e := &Engine{
		id:       id,
		keys:     keys,
		tr:       tr,
		store:    store,
		gate:     gate,
		cfg:      cfg.withDefaults(),
		locks:    newKeyLocks(),
		retries:  newRetrier(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.disp = transport.NewDispatcher(tr, e.cfg.QueueSize)
	return e
}

// Start registers inbound handlers, resumes persisted non-terminal
// requests, and launches the expiry sweep.
func (e *Engine) Start() error {
	if e.started {
		return nil
	}
	e.started = true

	e.disp.Register(transport.NotificationRequest, e.onRequestReceived)
	e.disp.Register(transport.NotificationAccept, e.onResponseReceived)
	e.disp.Register(transport.NotificationDecline, e.onDeclineReceived)
	e.disp.Register(transport.NotificationRevoke, e.onRevokeReceived)
	e.disp.Register(transport.NotificationConfirm, e.onConfirmReceived)
	e.disp.Start()

	// The sweep goroutine owns e.done; it must exist before anything can
	// fail, so a Stop after a failed Start never blocks on it.
	go e.sweepLoop()

	return e.resumePending()
}

// Stop cancels retries and halts the dispatcher and sweep. It is safe to
// call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if !e.started {
			return
		}
		close(e.stopChan)
		<-e.done
		e.retries.stop()
		e.disp.Close()
	})
}

// SessionID returns the local identity's session ID.
func (e *Engine) SessionID() string {
	return e.id.SessionID()
}

// SendRequest creates a new exchange request toward recipientSessionID and
// dispatches it through the dedup gate. It returns the new request ID. A
// transport failure is returned to the caller while bounded background
// retries continue; every attempt re-checks the dedup gate so at most one
// physical send per attempt window reaches the transport.
func (e *Engine) SendRequest(ctx context.Context, recipientSessionID, phrase string) (string, error) {
	if !identity.ValidateSessionID(recipientSessionID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, recipientSessionID)
	}
	if phrase == "" {
		return "", ErrEmptyPhrase
	}

	kem, err := crypto.GenerateKEMKeyPair()
	if err != nil {
		return "", err
	}

	now := time.Now()
	req := &Request{
		ID:                 uuid.NewString(),
		InitiatorSessionID: e.id.SessionID(),
		RecipientSessionID: recipientSessionID,
		Phrase:             phrase,
		State:              StateCreated,
		Direction:          Outbound,
		CreatedAt:          now,
		ExpiresAt:          now.Add(e.cfg.RequestTTL),
		KEMPublicKey:       kem.Public,
		KEMSecretKey:       kem.Secret,
	}

	unlock := e.locks.lock(req.ID)
	defer unlock.Unlock()

	if err := e.store.PutRequest(req.Clone()); err != nil {
		return "", err
	}

	env, err := e.buildRequestEnvelope(req, now)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendRequest",
		"request_id": req.ID,
		"recipient":  recipientSessionID[:8],
	}).Info("Sending key exchange request")

	sendErr := e.gatedSend(ctx, req.ID, env, 1)
	if sendErr == nil {
		req.State = StateSent
		if err := e.store.PutRequest(req.Clone()); err != nil {
			return req.ID, err
		}
		return req.ID, nil
	}

	// Transient failure: the caller sees it, background retries continue.
	e.scheduleSendRetries(req.ID, env, 2, func() {
		unlock := e.locks.lock(req.ID)
		defer unlock.Unlock()
		current, ok, err := e.store.GetRequest(req.ID)
		if err != nil || !ok || current.State != StateCreated {
			return
		}
		current.State = StateSent
		_ = e.store.PutRequest(current)
	})

	return req.ID, fmt.Errorf("%w: %v", transport.ErrTransport, sendErr)
}

// Accept accepts an inbound request: derives the hybrid session key, sends
// the acceptance over the Noise-IK leg, and reports the result to the
// acceptance callback for materialization. userData rides encrypted inside
// the response.
func (e *Engine) Accept(ctx context.Context, requestID string, userData []byte) error {
	unlock := e.locks.lock(requestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRequest
	}
	if req.Direction != Inbound || req.State != StateSent {
		logrus.WithFields(logrus.Fields{
			"function":   "Accept",
			"request_id": requestID,
			"state":      req.State.String(),
		}).Warn("Accept attempted on request not in sent state")
		return fmt.Errorf("%w: accept on %s request", ErrProtocol, req.State)
	}
	if req.Expired(time.Now()) {
		return fmt.Errorf("%w: accept on expired request", ErrProtocol)
	}

	var initiatorKey [32]byte
	copy(initiatorKey[:], req.PeerPublicKey)

	kemCiphertext, kemSecret, err := crypto.Encapsulate(req.KEMPublicKey)
	if err != nil {
		return err
	}

	sessionKey, err := crypto.DeriveSessionKey(e.id.PrivateKey, initiatorKey, kemSecret)
	crypto.ZeroBytes(kemSecret)
	if err != nil {
		return err
	}

	pair := crypto.PairKey(e.id.SessionID(), req.InitiatorSessionID)
	e.keys.Put(pair, sessionKey)

	env, err := e.buildResponseEnvelope(req, initiatorKey, kemCiphertext, sessionKey, userData)
	if err != nil {
		return err
	}

	req.State = StateAccepted
	req.RespondedAt = time.Now()
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}
	req.ResponseEnvelope = envBytes
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}

	result, sendErr := e.sendOnce(ctx, req.ID, env, 1)
	delivered := sendErr == nil && result != nil && result.DeliveredCount > 0

	logrus.WithFields(logrus.Fields{
		"function":   "Accept",
		"request_id": requestID,
		"delivered":  delivered,
	}).Info("Exchange request accepted")

	e.callbacks.accepted(&AcceptResult{
		Request:    req,
		SessionKey: sessionKey,
		Confirmed:  delivered,
	})

	return nil
}

// Decline declines an inbound request. The record is retained in Declined
// state; a future reinvite arrives under a fresh request ID.
func (e *Engine) Decline(ctx context.Context, requestID string) error {
	unlock := e.locks.lock(requestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRequest
	}
	if req.Direction != Inbound || req.State != StateSent {
		return fmt.Errorf("%w: decline on %s request", ErrProtocol, req.State)
	}

	req.State = StateDeclined
	req.RespondedAt = time.Now()
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}

	env, err := e.buildDeclineEnvelope(req)
	if err != nil {
		return err
	}
	if sendErr := e.gatedSend(ctx, req.ID, env, 1); sendErr != nil {
		e.scheduleSendRetries(req.ID, env, 2, nil)
	}

	e.callbacks.declined(req)
	return nil
}

// Revoke withdraws an outbound request. Valid while Sent (or still
// Created); revoking an already-revoked request is a no-op, and attempts on
// other terminal states are logged and ignored.
func (e *Engine) Revoke(ctx context.Context, requestID string) error {
	unlock := e.locks.lock(requestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRequest
	}
	if req.Direction != Outbound {
		return fmt.Errorf("%w: revoke is initiator-only", ErrProtocol)
	}
	if req.State == StateRevoked {
		return nil
	}
	if req.State.Terminal() {
		logrus.WithFields(logrus.Fields{
			"function":   "Revoke",
			"request_id": requestID,
			"state":      req.State.String(),
		}).Warn("Revoke attempted on terminal request, ignoring")
		return nil
	}

	req.State = StateRevoked
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}
	e.retries.cancel(requestID)

	env, err := e.buildRevokeEnvelope(req)
	if err != nil {
		return err
	}
	if sendErr := e.gatedSend(ctx, req.ID, env, 1); sendErr != nil {
		e.scheduleSendRetries(req.ID, env, 2, nil)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Revoke",
		"request_id": requestID,
	}).Info("Exchange request revoked")

	e.callbacks.revoked(req)
	return nil
}

// SendConfirmation (re)sends the acceptance confirmation for an accepted
// request: the responder retransmits its cached response envelope, the
// initiator seals a fresh confirm notice with the session key. The
// conversation layer uses it as the retry operation for unconfirmed
// conversations.
func (e *Engine) SendConfirmation(ctx context.Context, requestID string, attempt int) (*transport.SendResult, error) {
	unlock := e.locks.lock(requestID)
	req, ok, err := e.store.GetRequest(requestID)
	unlock.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRequest
	}
	if req.State != StateAccepted {
		return nil, fmt.Errorf("%w: confirmation for %s request", ErrProtocol, req.State)
	}

	var env *transport.Envelope
	if req.Direction == Inbound {
		env, err = transport.Unmarshal(req.ResponseEnvelope)
	} else {
		env, err = e.buildConfirmEnvelope(req)
	}
	if err != nil {
		return nil, err
	}

	return e.sendOnce(ctx, req.ID, env, attempt)
}

// Requests exposes the stored records, terminal ones included.
func (e *Engine) Requests() ([]*Request, error) {
	return e.store.Requests()
}

// GetRequest returns one stored record.
func (e *Engine) GetRequest(requestID string) (*Request, bool, error) {
	return e.store.GetRequest(requestID)
}

// resumePending reloads non-terminal requests after a restart or transport
// outage. Outbound requests that never reached the transport are re-sent.
func (e *Engine) resumePending() error {
	pending, err := e.store.PendingRequests()
	if err != nil {
		return err
	}

	for _, req := range pending {
		if req.Direction != Outbound || req.State != StateCreated {
			continue
		}

		env, err := e.buildRequestEnvelope(req, time.Now())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "resumePending",
				"request_id": req.ID,
			}).WithError(err).Warn("Could not rebuild request envelope")
			continue
		}

		id := req.ID
		e.scheduleSendRetries(id, env, 1, func() {
			unlock := e.locks.lock(id)
			defer unlock.Unlock()
			current, ok, err := e.store.GetRequest(id)
			if err != nil || !ok || current.State != StateCreated {
				return
			}
			current.State = StateSent
			_ = e.store.PutRequest(current)
		})
	}

	return nil
}

// gatedSend passes one attempt through the dedup gate and the transport.
// A suppressed duplicate is fully silent.
func (e *Engine) gatedSend(ctx context.Context, requestID string, env *transport.Envelope, attempt int) error {
	_, err := e.sendOnce(ctx, requestID, env, attempt)
	return err
}

func (e *Engine) sendOnce(ctx context.Context, requestID string, env *transport.Envelope, attempt int) (*transport.SendResult, error) {
	key := fmt.Sprintf("%s:%s:attempt-%d", requestID, env.Type, attempt)
	if !e.gate.ShouldSend(key) {
		logrus.WithFields(logrus.Fields{
			"function":   "sendOnce",
			"request_id": requestID,
			"type":       env.Type.String(),
			"attempt":    attempt,
		}).Debug("Duplicate send suppressed")
		return &transport.SendResult{Accepted: true}, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	result, err := e.tr.Send(sendCtx, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	return result, nil
}

// scheduleSendRetries retries env with exponential backoff starting at
// firstAttempt. onSuccess runs after the first successful attempt; retries
// stop the moment the owning request goes terminal.
func (e *Engine) scheduleSendRetries(requestID string, env *transport.Envelope, firstAttempt int, onSuccess func()) {
	e.retries.schedule(requestID, e.cfg.RetryBase, firstAttempt, e.cfg.MaxSendAttempts, func(attempt int) error {
		if err := e.gatedSend(context.Background(), requestID, env, attempt); err != nil {
			return err
		}
		if onSuccess != nil {
			onSuccess()
		}
		return nil
	}, func(err error) {
		reason := "recipient unreachable - try again"
		if err != nil {
			reason = fmt.Sprintf("recipient unreachable - try again (%v)", err)
		}
		e.callbacks.deliveryFailed(requestID, reason)
	})
}

func (e *Engine) buildRequestEnvelope(req *Request, sentAt time.Time) (*transport.Envelope, error) {
	payload := RequestPayload{
		RequestID:          req.ID,
		InitiatorSessionID: req.InitiatorSessionID,
		InitiatorPublicKey: e.id.PublicKey[:],
		KEMPublicKey:       req.KEMPublicKey,
		Phrase:             req.Phrase,
		SentAt:             sentAt,
		ExpiresAt:          req.ExpiresAt,
	}
	return e.sealWithRoutingKey(req.RecipientSessionID, transport.NotificationRequest, payload)
}

func (e *Engine) buildResponseEnvelope(req *Request, initiatorKey [32]byte, kemCiphertext []byte, sessionKey [32]byte, userData []byte) (*transport.Envelope, error) {
	var sealedUserData *crypto.SealedPayload
	if len(userData) > 0 {
		var err error
		sealedUserData, err = crypto.Encrypt(userData, sessionKey)
		if err != nil {
			return nil, err
		}
	}

	payload := ResponsePayload{
		RequestID:          req.ID,
		ResponderSessionID: e.id.SessionID(),
		ResponderPublicKey: e.id.PublicKey[:],
		KEMCiphertext:      kemCiphertext,
		UserData:           sealedUserData,
		RespondedAt:        time.Now(),
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	hs, err := crypto.NewAcceptHandshake(true, e.id.PrivateKey, initiatorKey)
	if err != nil {
		return nil, err
	}
	message, err := hs.Seal(plaintext)
	if err != nil {
		return nil, err
	}

	body, err := crypto.WrapOpaque(message)
	if err != nil {
		return nil, err
	}

	return &transport.Envelope{
		RecipientSessionID: req.InitiatorSessionID,
		Type:               transport.NotificationAccept,
		Body:               body,
	}, nil
}

func (e *Engine) buildDeclineEnvelope(req *Request) (*transport.Envelope, error) {
	payload := DeclinePayload{
		RequestID:          req.ID,
		ResponderSessionID: e.id.SessionID(),
		DeclinedAt:         time.Now(),
	}
	return e.sealWithRoutingKey(req.InitiatorSessionID, transport.NotificationDecline, payload)
}

func (e *Engine) buildRevokeEnvelope(req *Request) (*transport.Envelope, error) {
	payload := RevokePayload{
		RequestID:          req.ID,
		InitiatorSessionID: e.id.SessionID(),
		RevokedAt:          time.Now(),
	}
	return e.sealWithRoutingKey(req.RecipientSessionID, transport.NotificationRevoke, payload)
}

func (e *Engine) buildConfirmEnvelope(req *Request) (*transport.Envelope, error) {
	pair := crypto.PairKey(e.id.SessionID(), req.PeerSessionID())
	sessionKey, ok := e.keys.Get(pair)
	if !ok {
		return nil, errors.New("no session key for peer pair")
	}

	proof, err := crypto.Encrypt([]byte(req.ID), sessionKey)
	if err != nil {
		return nil, err
	}

	payload := ConfirmPayload{
		RequestID:       req.ID,
		SenderSessionID: e.id.SessionID(),
		Proof:           proof,
		ConfirmedAt:     time.Now(),
	}
	return e.sealWithRoutingKey(req.PeerSessionID(), transport.NotificationConfirm, payload)
}

// sealWithRoutingKey seals a JSON payload with the recipient's routing key,
// keeping everything but {recipientSessionId, notificationType} opaque.
func (e *Engine) sealWithRoutingKey(recipientSessionID string, notificationType transport.NotificationType, payload interface{}) (*transport.Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveRoutingKey(recipientSessionID)
	if err != nil {
		return nil, err
	}

	body, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}

	return &transport.Envelope{
		RecipientSessionID: recipientSessionID,
		Type:               notificationType,
		Body:               body,
	}, nil
}
