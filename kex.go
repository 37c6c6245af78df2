package kex

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/dedup"
	"github.com/opd-ai/kex/exchange"
	"github.com/opd-ai/kex/identity"
	"github.com/opd-ai/kex/storage"
	"github.com/opd-ai/kex/transport"
)

// Store is the durable state surface a Kex instance requires: exchange
// request records plus contacts and conversations.
type Store interface {
	exchange.Store
	conversation.Store
}

// Kex is the top-level handle for one local identity on one transport. It
// wires the exchange engine, the deduplicator, the session key table and
// the conversation materializer, and exposes the protocol commands and
// event callbacks.
//
// The identity is injected explicitly; nothing in this package holds a
// process-wide "current identity".
type Kex struct {
	id    *identity.Identity
	tr    transport.Transport
	store Store
	vault *crypto.KeyVault
	gate  *dedup.Deduplicator
	keys  *crypto.SessionKeyStore

	engine *exchange.Engine
	mat    *conversation.Materializer

	killOnce sync.Once
}

// New creates and starts a Kex instance for the given identity over the
// given transport. A nil opts uses NewOptions defaults; an empty DataDir
// keeps all state in memory, while a set DataDir requires StorePassphrase
// to seal key material at rest.
func New(id *identity.Identity, tr transport.Transport, opts *Options) (*Kex, error) {
	if id == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts == nil {
		opts = NewOptions()
	}

	var store Store
	var vault *crypto.KeyVault
	if opts.DataDir != "" {
		var err error
		vault, err = crypto.OpenKeyVault(opts.DataDir, []byte(opts.StorePassphrase))
		if err != nil {
			return nil, err
		}
		fs, err := storage.NewFileStore(opts.DataDir, vault)
		if err != nil {
			return nil, err
		}
		store = fs
	} else {
		store = storage.NewMemoryStore()
	}

	k := &Kex{
		id:    id,
		tr:    tr,
		store: store,
		vault: vault,
		gate:  dedup.New(opts.DedupTTL),
		keys:  crypto.NewSessionKeyStore(),
	}

	k.engine = exchange.NewEngine(id, tr, store, k.gate, k.keys, opts.engineConfig())
	k.mat = conversation.NewMaterializer(store, k.engine.SendConfirmation)

	// A completed exchange materializes a conversation on each side; the
	// peer's confirmation notice resolves the unconfirmed flag.
	k.engine.OnAccepted(k.materialize)
	k.engine.OnConfirmed(func(req *exchange.Request) {
		if err := k.mat.ConfirmPeer(req.ID, k.id.SessionID(), req.PeerSessionID()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "OnConfirmed",
				"request_id": req.ID,
			}).WithError(err).Warn("Could not mark conversation confirmed")
		}
	})

	if err := k.engine.Start(); err != nil {
		k.engine.Stop()
		k.gate.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"session_id": id.SessionID()[:8],
	}).Info("Kex instance started")

	return k, nil
}

// SelfSessionID returns the local identity's shareable session ID.
func (k *Kex) SelfSessionID() string {
	return k.id.SessionID()
}

// SelfPublicKey returns the local identity's public key.
func (k *Kex) SelfPublicKey() [32]byte {
	return k.id.PublicKey
}

// SendRequest starts a key exchange toward a peer session ID with an
// introduction phrase and returns the new request ID. A transport error is
// returned while bounded background retries continue.
func (k *Kex) SendRequest(ctx context.Context, recipientSessionID, phrase string) (string, error) {
	return k.engine.SendRequest(ctx, recipientSessionID, phrase)
}

// AcceptRequest accepts an inbound exchange request. userData, if any,
// rides encrypted inside the acceptance. On success the conversation is
// materialized through the acceptance callback path.
func (k *Kex) AcceptRequest(ctx context.Context, requestID string, userData []byte) error {
	return k.engine.Accept(ctx, requestID, userData)
}

// DeclineRequest declines an inbound exchange request. The record is
// retained in declined state.
func (k *Kex) DeclineRequest(ctx context.Context, requestID string) error {
	return k.engine.Decline(ctx, requestID)
}

// RevokeRequest withdraws an outbound request before the peer responds.
// Revoking twice is a no-op.
func (k *Kex) RevokeRequest(ctx context.Context, requestID string) error {
	return k.engine.Revoke(ctx, requestID)
}

// Requests returns every stored exchange request record, terminal ones
// included.
func (k *Kex) Requests() ([]*exchange.Request, error) {
	return k.engine.Requests()
}

// GetRequest returns one stored exchange request record.
func (k *Kex) GetRequest(requestID string) (*exchange.Request, bool, error) {
	return k.engine.GetRequest(requestID)
}

// Conversations returns every materialized conversation.
func (k *Kex) Conversations() ([]*conversation.Conversation, error) {
	return k.store.Conversations()
}

// GetContact returns the contact record for a peer session ID.
func (k *Kex) GetContact(sessionID string) (*conversation.Contact, bool, error) {
	return k.store.GetContact(sessionID)
}

// SessionKey returns the derived shared key for a peer, if an exchange
// with that peer has completed.
func (k *Kex) SessionKey(peerSessionID string) ([32]byte, bool) {
	return k.keys.Get(crypto.PairKey(k.id.SessionID(), peerSessionID))
}

// OnRequestReceived registers the callback surfaced when an inbound
// request awaits a decision. Nothing is ever auto-accepted.
func (k *Kex) OnRequestReceived(fn func(*exchange.Request)) {
	k.engine.OnRequestReceived(fn)
}

// OnConversationCreated registers the callback fired when an accepted
// exchange materializes a conversation.
func (k *Kex) OnConversationCreated(fn func(*conversation.Conversation)) {
	k.mat.OnConversationCreated(fn)
}

// OnConversationRollback registers the callback fired when
// materialization failed partway and was rolled back.
func (k *Kex) OnConversationRollback(fn func(requestID string, err error)) {
	k.mat.OnConversationRollback(fn)
}

// OnDeliveryWarning registers the callback fired when confirmation
// delivery permanently failed; the conversation survives unconfirmed.
func (k *Kex) OnDeliveryWarning(fn func(conversationID, reason string)) {
	k.mat.OnDeliveryWarning(fn)
}

// OnDeliveryFailed registers the callback fired when a notification could
// not be delivered after all retries.
func (k *Kex) OnDeliveryFailed(fn func(requestID, reason string)) {
	k.engine.OnDeliveryFailed(fn)
}

// OnDeclined registers the callback fired when a request is declined,
// locally or by the peer.
func (k *Kex) OnDeclined(fn func(*exchange.Request)) {
	k.engine.OnDeclined(fn)
}

// OnRevoked registers the callback fired when a request is revoked.
func (k *Kex) OnRevoked(fn func(*exchange.Request)) {
	k.engine.OnRevoked(fn)
}

// Kill stops the engine, pending retries and the deduplicator. The
// transport itself is owned by the caller and is not closed.
func (k *Kex) Kill() {
	k.killOnce.Do(func() {
		k.engine.Stop()
		k.mat.Close()
		k.gate.Close()
		k.keys.Wipe()
		if k.vault != nil {
			k.vault.Wipe()
		}

		logrus.WithFields(logrus.Fields{
			"function": "Kill",
		}).Info("Kex instance stopped")
	})
}

// materialize runs on engine acceptance, on both sides of the exchange.
func (k *Kex) materialize(result *exchange.AcceptResult) {
	req := result.Request
	params := conversation.MaterializeParams{
		RequestID:      req.ID,
		LocalSessionID: k.id.SessionID(),
		PeerSessionID:  req.PeerSessionID(),
		PeerPublicKey:  req.PeerPublicKey,
		SharedKeyRef:   crypto.PairKey(k.id.SessionID(), req.PeerSessionID()),
		Confirmed:      result.Confirmed,
	}

	if _, err := k.mat.Materialize(context.Background(), params); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "materialize",
			"request_id": req.ID,
		}).WithError(err).Error("Conversation materialization failed")
	}
}
