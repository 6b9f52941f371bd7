package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestAccountDeviceKeys(t *testing.T) {
	account, err := NewAccount()
	require.NoError(t, err)

	deviceKeys, err := account.DeviceKeys("@alice:example.org", "ALICEPHONE")
	require.NoError(t, err)
	assert.Equal(t, account.IdentityKey().String(), deviceKeys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "ALICEPHONE")])
	assert.Equal(t, account.SigningKey().String(), deviceKeys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, "ALICEPHONE")])
	assert.Contains(t, deviceKeys.Algorithms, id.AlgorithmOlmV1)
	assert.Contains(t, deviceKeys.Algorithms, id.AlgorithmMegolmV1)

	ok, err := JSONVerifier{}.VerifySignatureJSON(deviceKeys, "@alice:example.org", "ALICEPHONE", account.SigningKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccountPickleRoundTrip(t *testing.T) {
	account, err := NewAccount()
	require.NoError(t, err)
	account.Shared = true

	data, err := account.Pickle([]byte("pickle key"))
	require.NoError(t, err)
	loaded, err := AccountFromPickled(data, []byte("pickle key"))
	require.NoError(t, err)
	assert.Equal(t, account.IdentityKey(), loaded.IdentityKey())
	assert.Equal(t, account.SigningKey(), loaded.SigningKey())
	assert.True(t, loaded.Shared)

	_, err = AccountFromPickled(data, []byte("wrong key"))
	require.Error(t, err)
}
