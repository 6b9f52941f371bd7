package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// Account wraps the local device's ratchet account. The identity and signing
// keys are cached because they never change for the lifetime of the account.
type Account struct {
	Internal olm.Account

	// Shared is set once the device keys have been uploaded.
	Shared bool

	signingKey  id.Ed25519
	identityKey id.Curve25519
}

// NewAccount generates a fresh local account.
func NewAccount() (*Account, error) {
	internal, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create olm account: %w", err)
	}
	acc := &Account{Internal: internal}
	if err := acc.cacheKeys(); err != nil {
		return nil, err
	}
	return acc, nil
}

func (a *Account) cacheKeys() error {
	signingKey, identityKey, err := a.Internal.IdentityKeys()
	if err != nil {
		return fmt.Errorf("failed to get account identity keys: %w", err)
	}
	a.signingKey = signingKey
	a.identityKey = identityKey
	return nil
}

// IdentityKey returns the account's curve25519 identity key.
func (a *Account) IdentityKey() id.Curve25519 {
	return a.identityKey
}

// SigningKey returns the account's ed25519 signing key.
func (a *Account) SigningKey() id.Ed25519 {
	return a.signingKey
}

// SignJSON signs the canonical JSON form of obj with the account's ed25519
// key, ignoring any signatures and unsigned fields already present.
func (a *Account) SignJSON(obj any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	data, _ = sjson.DeleteBytes(data, "signatures")
	data, _ = sjson.DeleteBytes(data, "unsigned")
	signature, err := a.Internal.Sign(canonicaljson.CanonicalJSONAssumeValid(data))
	return string(signature), err
}

// SignedOneTimeKeys returns all currently unpublished one-time keys, signed
// and shaped for upload. It does not mark them as published; callers must do
// that only after a successful upload.
func (a *Account) SignedOneTimeKeys(userID id.UserID, deviceID id.DeviceID) (map[id.KeyID]mautrix.OneTimeKey, error) {
	unpublished, err := a.Internal.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to get one-time keys: %w", err)
	}
	signed := make(map[id.KeyID]mautrix.OneTimeKey, len(unpublished))
	for keyID, key := range unpublished {
		otk := mautrix.OneTimeKey{Key: key}
		signature, err := a.SignJSON(otk)
		if err != nil {
			return nil, fmt.Errorf("failed to sign one-time key: %w", err)
		}
		otk.Signatures = signatures.NewSingleSignature(userID, id.KeyAlgorithmEd25519, deviceID.String(), signature)
		otk.IsSigned = true
		signed[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = otk
	}
	return signed, nil
}

// DeviceKeys returns the signed device key payload for uploading this
// device's identity and signing keys.
func (a *Account) DeviceKeys(userID id.UserID, deviceID id.DeviceID) (*mautrix.DeviceKeys, error) {
	deviceKeys := &mautrix.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: mautrix.KeyMap{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): a.identityKey.String(),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    a.signingKey.String(),
		},
	}
	signature, err := a.SignJSON(deviceKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to sign device keys: %w", err)
	}
	deviceKeys.Signatures = signatures.NewSingleSignature(userID, id.KeyAlgorithmEd25519, deviceID.String(), signature)
	return deviceKeys, nil
}

type pickledAccount struct {
	Pickle string `json:"pickle"`
	Shared bool   `json:"shared"`
}

// Pickle serializes the account, encrypting the ratchet state with key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	pickled, err := a.Internal.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("failed to pickle account: %w", err)
	}
	return json.Marshal(&pickledAccount{Pickle: string(pickled), Shared: a.Shared})
}

// AccountFromPickled is the inverse of [Account.Pickle].
func AccountFromPickled(data, key []byte) (*Account, error) {
	var pickled pickledAccount
	if err := json.Unmarshal(data, &pickled); err != nil {
		return nil, err
	}
	internal, err := olm.AccountFromPickled([]byte(pickled.Pickle), key)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle account: %w", err)
	}
	acc := &Account{Internal: internal, Shared: pickled.Shared}
	if err := acc.cacheKeys(); err != nil {
		return nil, err
	}
	return acc, nil
}
