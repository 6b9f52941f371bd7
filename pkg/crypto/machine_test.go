package crypto

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMachineLoadReusesAccount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	req := newFakeRequester()

	first := NewMachine(zerolog.Nop(), store, req, nil, "@alice:example.org", "ALICEPHONE")
	require.NoError(t, first.Load(ctx))
	require.NotNil(t, first.Account())
	identityKey := first.Account().IdentityKey()
	require.NotEmpty(t, identityKey)

	// A second machine over the same store picks up the persisted account
	// instead of generating a new one.
	second := NewMachine(zerolog.Nop(), store, req, nil, "@alice:example.org", "ALICEPHONE")
	require.NoError(t, second.Load(ctx))
	require.Equal(t, identityKey, second.Account().IdentityKey())
	require.Equal(t, first.Account().SigningKey(), second.Account().SigningKey())
}
