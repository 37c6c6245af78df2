package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/identity"
	"github.com/opd-ai/kex/transport"
)

// Inbound handlers run on the dispatcher's consumer goroutine. Decryption
// and integrity failures drop the specific message, never the pipeline;
// protocol violations are logged and absorbed.

func (e *Engine) onRequestReceived(env *transport.Envelope) error {
	plaintext, err := e.openWithRoutingKey(env)
	if err != nil {
		return e.dropPayload("onRequestReceived", err)
	}

	var payload RequestPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return e.dropPayload("onRequestReceived", err)
	}

	if !identity.ValidateSessionID(payload.InitiatorSessionID) {
		return e.dropPayload("onRequestReceived", errors.New("malformed initiator session ID"))
	}
	if len(payload.InitiatorPublicKey) != 32 {
		return e.dropPayload("onRequestReceived", errors.New("malformed initiator public key"))
	}

	// The session ID must be the one derived from the presented key,
	// otherwise the sender is impersonating a routing address.
	var initiatorKey [32]byte
	copy(initiatorKey[:], payload.InitiatorPublicKey)
	if identity.DeriveSessionID(initiatorKey) != payload.InitiatorSessionID {
		return e.dropPayload("onRequestReceived", errors.New("session ID does not match public key"))
	}

	if payload.RequestID == "" {
		return e.dropPayload("onRequestReceived", errors.New("missing request ID"))
	}
	if !e.gate.ShouldProcess("request:" + payload.RequestID) {
		return nil
	}

	unlock := e.locks.lock(payload.RequestID)
	defer unlock.Unlock()

	if _, exists, err := e.store.GetRequest(payload.RequestID); err != nil {
		return err
	} else if exists {
		logrus.WithFields(logrus.Fields{
			"function":   "onRequestReceived",
			"request_id": payload.RequestID,
		}).Debug("Request ID already known, redelivery absorbed")
		return nil
	}

	req := &Request{
		ID:                 payload.RequestID,
		InitiatorSessionID: payload.InitiatorSessionID,
		RecipientSessionID: e.id.SessionID(),
		Phrase:             payload.Phrase,
		State:              StateSent,
		Direction:          Inbound,
		CreatedAt:          payload.SentAt,
		ExpiresAt:          payload.ExpiresAt,
		PeerPublicKey:      payload.InitiatorPublicKey,
		KEMPublicKey:       payload.KEMPublicKey,
	}
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "onRequestReceived",
		"request_id": req.ID,
		"initiator":  payload.InitiatorSessionID[:8],
	}).Info("Key exchange request received")

	e.callbacks.requestReceived(req)
	return nil
}

func (e *Engine) onResponseReceived(env *transport.Envelope) error {
	message, err := crypto.OpenOpaque(env.Body)
	if err != nil {
		return e.dropPayload("onResponseReceived", err)
	}

	hs, err := crypto.NewAcceptHandshake(false, e.id.PrivateKey, [32]byte{})
	if err != nil {
		return err
	}
	plaintext, senderKey, err := hs.Open(message)
	if err != nil {
		return e.dropPayload("onResponseReceived", err)
	}

	var payload ResponsePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return e.dropPayload("onResponseReceived", err)
	}

	// The Noise handshake authenticated senderKey; the payload's claims
	// must be consistent with it.
	if !bytes.Equal(payload.ResponderPublicKey, senderKey[:]) {
		return e.dropPayload("onResponseReceived", errors.New("responder key mismatch"))
	}
	if identity.DeriveSessionID(senderKey) != payload.ResponderSessionID {
		return e.dropPayload("onResponseReceived", errors.New("responder session ID mismatch"))
	}

	if !e.gate.ShouldProcess("accept:" + payload.RequestID) {
		return nil
	}

	unlock := e.locks.lock(payload.RequestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(payload.RequestID)
	if err != nil {
		return err
	}
	if !ok || req.Direction != Outbound {
		return e.dropPayload("onResponseReceived", fmt.Errorf("%w: acceptance for unknown request %s", ErrProtocol, payload.RequestID))
	}
	if req.State != StateSent {
		// A late accept after revoke or expiry is stale: rejected, no
		// conversation is created.
		logrus.WithFields(logrus.Fields{
			"function":   "onResponseReceived",
			"request_id": req.ID,
			"state":      req.State.String(),
		}).Warn("Stale acceptance rejected")
		return fmt.Errorf("%w: acceptance on %s request", ErrProtocol, req.State)
	}
	if payload.ResponderSessionID != req.RecipientSessionID {
		return e.dropPayload("onResponseReceived", errors.New("acceptance from unexpected peer"))
	}

	kem := &crypto.KEMKeyPair{Public: req.KEMPublicKey, Secret: req.KEMSecretKey}
	kemSecret, err := kem.Decapsulate(payload.KEMCiphertext)
	if err != nil {
		return e.dropPayload("onResponseReceived", err)
	}

	sessionKey, err := crypto.DeriveSessionKey(e.id.PrivateKey, senderKey, kemSecret)
	crypto.ZeroBytes(kemSecret)
	if err != nil {
		return err
	}

	if payload.UserData != nil {
		if _, err := crypto.Decrypt(payload.UserData, sessionKey); err != nil {
			return e.dropPayload("onResponseReceived", err)
		}
	}

	pair := crypto.PairKey(e.id.SessionID(), req.RecipientSessionID)
	e.keys.Put(pair, sessionKey)

	req.State = StateAccepted
	req.RespondedAt = payload.RespondedAt
	req.PeerPublicKey = append([]byte(nil), senderKey[:]...)
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}
	e.retries.cancel(req.ID)

	// Close the loop: tell the responder we materialized.
	confirmEnv, err := e.buildConfirmEnvelope(req)
	var delivered bool
	if err == nil {
		result, sendErr := e.sendOnce(context.Background(), req.ID, confirmEnv, 1)
		delivered = sendErr == nil && result != nil && result.DeliveredCount > 0
	}

	logrus.WithFields(logrus.Fields{
		"function":   "onResponseReceived",
		"request_id": req.ID,
		"delivered":  delivered,
	}).Info("Exchange request accepted by peer")

	e.callbacks.accepted(&AcceptResult{
		Request:    req,
		SessionKey: sessionKey,
		Confirmed:  delivered,
	})
	return nil
}

func (e *Engine) onDeclineReceived(env *transport.Envelope) error {
	plaintext, err := e.openWithRoutingKey(env)
	if err != nil {
		return e.dropPayload("onDeclineReceived", err)
	}

	var payload DeclinePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return e.dropPayload("onDeclineReceived", err)
	}

	if !e.gate.ShouldProcess("decline:" + payload.RequestID) {
		return nil
	}

	unlock := e.locks.lock(payload.RequestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(payload.RequestID)
	if err != nil {
		return err
	}
	if !ok || req.Direction != Outbound {
		return e.dropPayload("onDeclineReceived", fmt.Errorf("decline for unknown request %s", payload.RequestID))
	}
	if req.RecipientSessionID != payload.ResponderSessionID {
		return e.dropPayload("onDeclineReceived", errors.New("decline from unexpected peer"))
	}
	if req.State.Terminal() {
		logrus.WithFields(logrus.Fields{
			"function":   "onDeclineReceived",
			"request_id": req.ID,
			"state":      req.State.String(),
		}).Debug("Decline on terminal request ignored")
		return nil
	}

	req.State = StateDeclined
	req.RespondedAt = payload.DeclinedAt
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}
	e.retries.cancel(req.ID)

	e.callbacks.declined(req)
	return nil
}

func (e *Engine) onRevokeReceived(env *transport.Envelope) error {
	plaintext, err := e.openWithRoutingKey(env)
	if err != nil {
		return e.dropPayload("onRevokeReceived", err)
	}

	var payload RevokePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return e.dropPayload("onRevokeReceived", err)
	}

	if !e.gate.ShouldProcess("revoke:" + payload.RequestID) {
		return nil
	}

	unlock := e.locks.lock(payload.RequestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(payload.RequestID)
	if err != nil {
		return err
	}
	if !ok || req.Direction != Inbound {
		return e.dropPayload("onRevokeReceived", fmt.Errorf("revocation for unknown request %s", payload.RequestID))
	}
	if req.InitiatorSessionID != payload.InitiatorSessionID {
		return e.dropPayload("onRevokeReceived", errors.New("revocation from unexpected peer"))
	}
	if req.State.Terminal() {
		return nil
	}

	req.State = StateRevoked
	if err := e.store.PutRequest(req.Clone()); err != nil {
		return err
	}
	e.retries.cancel(req.ID)

	logrus.WithFields(logrus.Fields{
		"function":   "onRevokeReceived",
		"request_id": req.ID,
	}).Info("Exchange request revoked by initiator")

	e.callbacks.revoked(req)
	return nil
}

func (e *Engine) onConfirmReceived(env *transport.Envelope) error {
	plaintext, err := e.openWithRoutingKey(env)
	if err != nil {
		return e.dropPayload("onConfirmReceived", err)
	}

	var payload ConfirmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return e.dropPayload("onConfirmReceived", err)
	}

	if !e.gate.ShouldProcess("confirm:" + payload.RequestID + ":" + payload.SenderSessionID) {
		return nil
	}

	unlock := e.locks.lock(payload.RequestID)
	defer unlock.Unlock()

	req, ok, err := e.store.GetRequest(payload.RequestID)
	if err != nil {
		return err
	}
	if !ok || req.State != StateAccepted {
		return e.dropPayload("onConfirmReceived", fmt.Errorf("confirmation for unknown or unaccepted request %s", payload.RequestID))
	}

	// Only a holder of the shared session key can produce the proof.
	pair := crypto.PairKey(e.id.SessionID(), req.PeerSessionID())
	sessionKey, haveKey := e.keys.Get(pair)
	if !haveKey {
		return e.dropPayload("onConfirmReceived", errors.New("no session key for confirming peer"))
	}
	proof, err := crypto.Decrypt(payload.Proof, sessionKey)
	if err != nil {
		return e.dropPayload("onConfirmReceived", err)
	}
	if string(proof) != req.ID {
		return e.dropPayload("onConfirmReceived", errors.New("confirmation proof mismatch"))
	}

	e.callbacks.confirmed(req)
	return nil
}

// openWithRoutingKey opens an envelope sealed for our session ID.
func (e *Engine) openWithRoutingKey(env *transport.Envelope) ([]byte, error) {
	key, err := crypto.DeriveRoutingKey(e.id.SessionID())
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(env.Body, key)
}

// dropPayload logs a per-message failure and absorbs it. Integrity and
// decryption errors are expected under a hostile or lossy transport and
// must not take down the pipeline.
func (e *Engine) dropPayload(handler string, err error) error {
	level := logrus.WarnLevel
	if errors.Is(err, crypto.ErrIntegrity) || errors.Is(err, crypto.ErrDecryption) {
		level = logrus.DebugLevel
	}
	logrus.StandardLogger().WithFields(logrus.Fields{
		"function": handler,
	}).WithError(err).Log(level, "Dropping inbound payload")
	return nil
}
