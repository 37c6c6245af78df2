package kex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/exchange"
	"github.com/opd-ai/kex/identity"
	"github.com/opd-ai/kex/transport"
)

type peer struct {
	k  *Kex
	tr *transport.MemoryTransport

	mu        sync.Mutex
	inbound   []*exchange.Request
	convs     []*conversation.Conversation
	rollbacks int
}

func newPeer(t *testing.T, hub *transport.MemoryHub, opts *Options) *peer {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)
	tr := hub.Endpoint(id.SessionID())

	k, err := New(id, tr, opts)
	require.NoError(t, err)
	t.Cleanup(k.Kill)

	p := &peer{k: k, tr: tr}
	k.OnRequestReceived(func(req *exchange.Request) {
		p.mu.Lock()
		p.inbound = append(p.inbound, req)
		p.mu.Unlock()
	})
	k.OnConversationCreated(func(conv *conversation.Conversation) {
		p.mu.Lock()
		p.convs = append(p.convs, conv)
		p.mu.Unlock()
	})
	k.OnConversationRollback(func(string, error) {
		p.mu.Lock()
		p.rollbacks++
		p.mu.Unlock()
	})
	return p
}

func (p *peer) inboundID(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range p.inbound {
		if req.ID == requestID {
			return true
		}
	}
	return false
}

func (p *peer) conversationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.convs)
}

func fastOptions() *Options {
	opts := NewOptions()
	opts.RetryBase = 20 * time.Millisecond
	opts.MaxSendAttempts = 3
	opts.DedupTTL = time.Minute
	return opts
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func requestState(t *testing.T, p *peer, requestID string) exchange.State {
	t.Helper()
	req, ok, err := p.k.GetRequest(requestID)
	require.NoError(t, err)
	require.True(t, ok)
	return req.State
}

// Scenario: a full exchange ends with a conversation between the two
// session IDs on both sides and matching session keys.
func TestFullExchangeCreatesConversationOnBothSides(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, fastOptions())
	b := newPeer(t, hub, fastOptions())

	id, err := a.k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello")
	require.NoError(t, err)

	waitFor(t, func() bool { return b.inboundID(id) }, "request never arrived")

	require.NoError(t, b.k.AcceptRequest(context.Background(), id, []byte("proof of life")))

	waitFor(t, func() bool {
		return a.conversationCount() == 1 && b.conversationCount() == 1
	}, "conversation never materialized on both sides")

	sidA, sidB := a.k.SelfSessionID(), b.k.SelfSessionID()
	for _, p := range []*peer{a, b} {
		assert.Equal(t, exchange.StateAccepted, requestState(t, p, id))

		convs, err := p.k.Conversations()
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.True(t, convs[0].Participants(sidA, sidB))
	}

	keyA, okA := a.k.SessionKey(sidB)
	keyB, okB := b.k.SessionKey(sidA)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, keyA, keyB)
	assert.NotEqual(t, [32]byte{}, keyA)

	contact, ok, err := a.k.GetContact(sidB)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.k.SelfPublicKey(), [32]byte(contact.PublicKey))
}

// Scenario: a stale acceptance arriving after a revoke is rejected and no
// conversation is created on the initiator's side.
func TestStaleAcceptAfterRevokeCreatesNoConversation(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, fastOptions())
	b := newPeer(t, hub, fastOptions())

	id, err := a.k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello")
	require.NoError(t, err)

	waitFor(t, func() bool { return b.inboundID(id) }, "request never arrived")

	// The revoke notice is lost, so the recipient accepts a request the
	// initiator already withdrew.
	a.tr.DropNext(1)
	require.NoError(t, a.k.RevokeRequest(context.Background(), id))
	require.NoError(t, b.k.AcceptRequest(context.Background(), id, nil))

	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, exchange.StateRevoked, requestState(t, a, id))
	assert.Equal(t, 0, a.conversationCount(), "stale acceptance must not create a conversation")

	convs, err := a.k.Conversations()
	require.NoError(t, err)
	assert.Empty(t, convs)

	_, ok := a.k.SessionKey(b.k.SelfSessionID())
	assert.False(t, ok, "no session key may survive a rejected acceptance")
}

// Scenario: a zero-delivered acceptance leaves the responder's
// conversation unconfirmed; backoff retries eventually deliver it and
// resolve the flag on both sides.
func TestZeroDeliveredAcceptanceRetriesUntilConfirmed(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, fastOptions())
	b := newPeer(t, hub, fastOptions())

	id, err := a.k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello")
	require.NoError(t, err)

	waitFor(t, func() bool { return b.inboundID(id) }, "request never arrived")

	// The acceptance is accepted by the provider but reaches nobody.
	b.tr.ZeroDeliverNext(1)
	require.NoError(t, b.k.AcceptRequest(context.Background(), id, nil))

	waitFor(t, func() bool { return b.conversationCount() == 1 }, "responder conversation missing")

	convs, err := b.k.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.False(t, convs[0].Confirmed, "undelivered acceptance must leave the conversation unconfirmed")

	// The confirmation retry retransmits the identical acceptance; the
	// initiator completes and confirms back.
	waitFor(t, func() bool { return a.conversationCount() == 1 }, "retry never reached the initiator")
	waitFor(t, func() bool {
		convs, err := b.k.Conversations()
		return err == nil && len(convs) == 1 && convs[0].Confirmed
	}, "responder conversation never confirmed")

	assert.Equal(t, exchange.StateAccepted, requestState(t, a, id))
	assert.Equal(t, 0, b.rollbacks)
}

// Scenario: a declined request is retained, and a reinvite gets a fresh
// request ID.
func TestDeclineRetainsRecordAndReinviteGetsFreshID(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, fastOptions())
	b := newPeer(t, hub, fastOptions())

	id, err := a.k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello")
	require.NoError(t, err)

	waitFor(t, func() bool { return b.inboundID(id) }, "request never arrived")

	require.NoError(t, b.k.DeclineRequest(context.Background(), id))

	waitFor(t, func() bool {
		req, ok, err := a.k.GetRequest(id)
		return err == nil && ok && req.State == exchange.StateDeclined
	}, "initiator never saw the decline")
	assert.Equal(t, exchange.StateDeclined, requestState(t, b, id))

	// Reinvite: a brand-new request, not a resurrection of the old one.
	id2, err := a.k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello again")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)

	waitFor(t, func() bool { return b.inboundID(id2) }, "reinvite never arrived")

	// The declined record still exists next to the new pending one.
	requests, err := b.k.Requests()
	require.NoError(t, err)
	assert.Len(t, requests, 2)
	assert.Equal(t, exchange.StateDeclined, requestState(t, b, id))
	assert.Equal(t, exchange.StateSent, requestState(t, b, id2))
}

func TestFacadePersistsStateAcrossRestart(t *testing.T) {
	hub := transport.NewMemoryHub()
	dir := t.TempDir()

	idA, err := identity.Generate()
	require.NoError(t, err)
	b := newPeer(t, hub, fastOptions())

	opts := fastOptions()
	opts.DataDir = dir
	opts.StorePassphrase = "test passphrase"

	k, err := New(idA, hub.Endpoint(idA.SessionID()), opts)
	require.NoError(t, err)

	reqID, err := k.SendRequest(context.Background(), b.k.SelfSessionID(), "hello")
	require.NoError(t, err)
	k.Kill()

	restarted, err := New(idA, hub.Endpoint(idA.SessionID()), opts)
	require.NoError(t, err)
	defer restarted.Kill()

	req, ok, err := restarted.GetRequest(reqID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exchange.StateSent, req.State)
}

func TestNewValidatesArguments(t *testing.T) {
	hub := transport.NewMemoryHub()

	id, err := identity.Generate()
	require.NoError(t, err)

	_, err = New(nil, hub.Endpoint("x"), nil)
	assert.Error(t, err)

	_, err = New(id, nil, nil)
	assert.Error(t, err)

	// Durable state without a passphrase would leave key material in the
	// clear on disk.
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	_, err = New(id, hub.Endpoint("x"), opts)
	assert.Error(t, err)
}
