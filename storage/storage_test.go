package storage

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/exchange"
)

func testVault(t *testing.T, dir string) *crypto.KeyVault {
	t.Helper()
	vault, err := crypto.OpenKeyVault(dir, []byte("test passphrase"))
	require.NoError(t, err)
	return vault
}

func sampleRequest(id string, state exchange.State) *exchange.Request {
	now := time.Now().UTC().Truncate(time.Second)
	return &exchange.Request{
		ID:                 id,
		InitiatorSessionID: "aaaa",
		RecipientSessionID: "bbbb",
		Phrase:             "coffee thursday?",
		State:              state,
		Direction:          exchange.Outbound,
		CreatedAt:          now,
		ExpiresAt:          now.Add(24 * time.Hour),
		KEMPublicKey:       []byte{1, 2, 3},
		KEMSecretKey:       []byte{4, 5, 6},
	}
}

func TestMemoryStoreRequestRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	req := sampleRequest("req-1", exchange.StateCreated)
	require.NoError(t, store.PutRequest(req))

	got, ok, err := store.GetRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req, got)

	_, ok, err = store.GetRequest("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreClonesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()

	req := sampleRequest("req-1", exchange.StateCreated)
	require.NoError(t, store.PutRequest(req))

	// Mutating the caller's copy must not touch the stored record.
	req.State = exchange.StateRevoked
	req.KEMSecretKey[0] = 99

	got, ok, err := store.GetRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exchange.StateCreated, got.State)
	assert.Equal(t, byte(4), got.KEMSecretKey[0])

	// Mutating a read result must not touch the stored record either.
	got.State = exchange.StateExpired
	again, _, err := store.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, exchange.StateCreated, again.State)
}

func TestMemoryStorePendingFiltersTerminal(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.PutRequest(sampleRequest("a", exchange.StateCreated)))
	require.NoError(t, store.PutRequest(sampleRequest("b", exchange.StateSent)))
	require.NoError(t, store.PutRequest(sampleRequest("c", exchange.StateAccepted)))
	require.NoError(t, store.PutRequest(sampleRequest("d", exchange.StateDeclined)))
	require.NoError(t, store.PutRequest(sampleRequest("e", exchange.StateRevoked)))
	require.NoError(t, store.PutRequest(sampleRequest("f", exchange.StateExpired)))

	pending, err := store.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	ids := []string{pending[0].ID, pending[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	all, err := store.Requests()
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestMemoryStoreContactsAndConversations(t *testing.T) {
	store := NewMemoryStore()

	contact := &conversation.Contact{
		SessionID: "peer-sid",
		PublicKey: []byte{7, 8, 9},
		AddedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutContact(contact))

	got, ok, err := store.GetContact("peer-sid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contact, got)

	conv := &conversation.Conversation{
		ID:                    "conv-1",
		ParticipantSessionIDs: [2]string{"local-sid", "peer-sid"},
		SharedKeyRef:          "local-sid|peer-sid",
		CreatedAt:             time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutConversation(conv))

	gotConv, ok, err := store.GetConversation("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conv, gotConv)

	require.NoError(t, store.DeleteContact("peer-sid"))
	_, ok, err = store.GetContact("peer-sid")
	require.NoError(t, err)
	assert.False(t, ok)

	// Conversation survives contact deletion; rollback only removes the
	// contact half.
	convs, err := store.Conversations()
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)

	req := sampleRequest("req-1", exchange.StateSent)
	require.NoError(t, store.PutRequest(req))

	contact := &conversation.Contact{
		SessionID: "peer-sid",
		PublicKey: []byte{1},
		AddedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutContact(contact))

	conv := &conversation.Conversation{
		ID:                    "conv-1",
		ParticipantSessionIDs: [2]string{"local-sid", "peer-sid"},
		SharedKeyRef:          "local-sid|peer-sid",
		CreatedAt:             time.Now().UTC().Truncate(time.Second),
		Confirmed:             true,
	}
	require.NoError(t, store.PutConversation(conv))

	reopened, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)

	gotReq, ok, err := reopened.GetRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req, gotReq)

	gotContact, ok, err := reopened.GetContact("peer-sid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contact, gotContact)

	gotConv, ok, err := reopened.GetConversation("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conv, gotConv)
}

func TestFileStoreStartsFreshOnCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, requestsFile), []byte("{not json"), 0o600))

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)

	all, err := store.Requests()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFileStoreSnapshotIsValidJSON(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)
	require.NoError(t, store.PutRequest(sampleRequest("req-1", exchange.StateCreated)))

	data, err := os.ReadFile(filepath.Join(dir, requestsFile))
	require.NoError(t, err)

	var decoded []*requestRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "req-1", decoded[0].Request.ID)

	// No stray temp file should be left behind after the rename.
	_, err = os.Stat(filepath.Join(dir, requestsFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreDeleteContactPersists(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)

	contact := &conversation.Contact{SessionID: "peer-sid", PublicKey: []byte{1}, AddedAt: time.Now().UTC()}
	require.NoError(t, store.PutContact(contact))
	require.NoError(t, store.DeleteContact("peer-sid"))

	reopened, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)
	_, ok, err := reopened.GetContact("peer-sid")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRequiresVault(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestFileStoreSealsKeyMaterialAtRest(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)

	secret := []byte("this-secret-must-never-touch-disk")
	req := sampleRequest("req-1", exchange.StateCreated)
	req.KEMSecretKey = append([]byte(nil), secret...)
	require.NoError(t, store.PutRequest(req))

	data, err := os.ReadFile(filepath.Join(dir, requestsFile))
	require.NoError(t, err)

	// JSON encodes byte slices as base64, so a leak would show up in either
	// form.
	assert.NotContains(t, string(data), string(secret))
	assert.NotContains(t, string(data), base64.StdEncoding.EncodeToString(secret))

	reopened, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)
	got, ok, err := reopened.GetRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, secret, got.KEMSecretKey)
}

func TestFileStoreSkipsRecordsItCannotUnseal(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir, testVault(t, dir))
	require.NoError(t, err)
	require.NoError(t, store.PutRequest(sampleRequest("req-1", exchange.StateCreated)))

	wrongDir := t.TempDir()
	wrongVault, err := crypto.OpenKeyVault(wrongDir, []byte("another passphrase"))
	require.NoError(t, err)

	reopened, err := NewFileStore(dir, wrongVault)
	require.NoError(t, err)
	_, ok, err := reopened.GetRequest("req-1")
	require.NoError(t, err)
	assert.False(t, ok, "a record whose key material cannot be unsealed must not load")
}
