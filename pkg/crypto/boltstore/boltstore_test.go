package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/lattice-im/lattice/pkg/crypto"
)

const testRoom = id.RoomID("!meadow:example.org")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "sessions.db"), []byte("correct horse battery staple"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := New(path, []byte("passphrase"))
	require.NoError(t, err)

	account, err := store.GetAccount(ctx)
	require.NoError(t, err)
	require.Nil(t, account)

	account, err = crypto.NewAccount()
	require.NoError(t, err)
	account.Shared = true
	require.NoError(t, store.PutAccount(ctx, account))

	loaded, err := store.GetAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, account.IdentityKey(), loaded.IdentityKey())
	assert.Equal(t, account.SigningKey(), loaded.SigningKey())
	assert.True(t, loaded.Shared)
	require.NoError(t, store.Close())

	// A different passphrase cannot unpickle the stored state.
	wrong, err := New(path, []byte("not the passphrase"))
	require.NoError(t, err)
	defer wrong.Close()
	_, err = wrong.GetAccount(ctx)
	require.Error(t, err)
}

func newPairwiseSession(t *testing.T, alice, bob *crypto.Account) olm.Session {
	t.Helper()
	require.NoError(t, bob.Internal.GenOneTimeKeys(1))
	oneTimeKeys, err := bob.Internal.OneTimeKeys()
	require.NoError(t, err)
	bob.Internal.MarkKeysAsPublished()
	for _, key := range oneTimeKeys {
		sess, err := alice.Internal.NewOutboundSession(bob.IdentityKey(), key)
		require.NoError(t, err)
		return sess
	}
	t.Fatal("no one-time key generated")
	return nil
}

func TestOlmSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	alice, err := crypto.NewAccount()
	require.NoError(t, err)
	bob, err := crypto.NewAccount()
	require.NoError(t, err)
	senderKey := id.SenderKey(bob.IdentityKey())

	base := time.UnixMilli(1700000000000).UTC()
	older := &crypto.OlmSession{
		Internal:     newPairwiseSession(t, alice, bob),
		CreationTime: base.Add(-time.Hour),
		LastUsed:     base.Add(-time.Hour),
	}
	older.ID = older.Internal.ID()
	newer := &crypto.OlmSession{
		Internal:     newPairwiseSession(t, alice, bob),
		CreationTime: base,
		LastUsed:     base,
	}
	newer.ID = newer.Internal.ID()

	require.NoError(t, store.PutOlmSessions(ctx, senderKey, []*crypto.OlmSession{older, newer}))
	loaded, err := store.GetOlmSessions(ctx, senderKey)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, newer.ID, loaded[0].ID)
	assert.Equal(t, older.ID, loaded[1].ID)
	assert.Equal(t, older.LastUsed.UnixMilli(), loaded[1].LastUsed.UnixMilli())
	assert.Equal(t, older.CreationTime.UnixMilli(), loaded[1].CreationTime.UnixMilli())

	// The unpickled ratchet state is usable.
	_, _, err = loaded[0].Internal.Encrypt([]byte("still alive"))
	require.NoError(t, err)

	// Saving replaces the whole per-key set.
	require.NoError(t, store.PutOlmSessions(ctx, senderKey, []*crypto.OlmSession{newer}))
	loaded, err = store.GetOlmSessions(ctx, senderKey)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, newer.ID, loaded[0].ID)

	// Unknown sender keys have no sessions.
	loaded, err = store.GetOlmSessions(ctx, "nosuchkey")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestOutboundGroupSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	internal, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	sess := &crypto.OutboundGroupSession{
		Internal:     internal,
		RoomID:       testRoom,
		CreationTime: time.UnixMilli(1700000000000).UTC(),
		MessageCount: 7,
		Shared: map[crypto.UserDevice]struct{}{
			{UserID: "@bob:example.org", DeviceID: "BOBPHONE"}: {},
		},
	}
	require.NoError(t, store.PutOutboundGroupSession(ctx, sess))

	loaded, err := store.GetOutboundGroupSession(ctx, testRoom)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.ID(), loaded.ID())
	assert.Equal(t, testRoom, loaded.RoomID)
	assert.Equal(t, 7, loaded.MessageCount)
	assert.Contains(t, loaded.Shared, crypto.UserDevice{UserID: "@bob:example.org", DeviceID: "BOBPHONE"})
	_, err = loaded.Internal.Encrypt([]byte("still alive"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteOutboundGroupSession(ctx, testRoom))
	loaded, err = store.GetOutboundGroupSession(ctx, testRoom)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestInboundGroupSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	outbound, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	sess, err := crypto.NewInboundGroupSession(testRoom, "sendercurvekey", "sendersigningkey", outbound.Key())
	require.NoError(t, err)
	sess.Trusted = true
	require.NoError(t, store.PutInboundGroupSession(ctx, sess))

	loaded, err := store.GetInboundGroupSession(ctx, testRoom, sess.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.ID(), loaded.ID())
	assert.Equal(t, id.SenderKey("sendercurvekey"), loaded.SenderKey)
	assert.Equal(t, id.Ed25519("sendersigningkey"), loaded.SigningKey)
	assert.Equal(t, sess.FirstKnownIndex, loaded.FirstKnownIndex)
	assert.True(t, loaded.Trusted)

	// Sessions are scoped to their room.
	other, err := store.GetInboundGroupSession(ctx, "!other:example.org", sess.ID())
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestValidateMessageIndexPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := New(path, []byte("passphrase"))
	require.NoError(t, err)

	ok, err := store.ValidateMessageIndex(ctx, testRoom, "groupsession", "$evt1", 4, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ValidateMessageIndex(ctx, testRoom, "groupsession", "$evt1", 4, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ValidateMessageIndex(ctx, testRoom, "groupsession", "$evt2", 4, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Close())

	// The ledger survives a restart.
	store, err = New(path, []byte("passphrase"))
	require.NoError(t, err)
	defer store.Close()
	ok, err = store.ValidateMessageIndex(ctx, testRoom, "groupsession", "$evt2", 4, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.ValidateMessageIndex(ctx, testRoom, "groupsession", "$evt1", 4, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
}
