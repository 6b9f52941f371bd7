package crypto

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceIdentity is the resolved key material of one remote device.
type DeviceIdentity struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	IdentityKey id.Curve25519
	SigningKey  id.Ed25519
}

// Requester is the server-facing collaborator of the engines: claiming
// one-time keys, sending to-device messages, uploading our own keys, and
// resolving device lists. The pkg/client package provides the production
// implementation on top of the Matrix client-server API.
type Requester interface {
	// ClaimOneTimeKeys claims one-time keys for the requested devices.
	ClaimOneTimeKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error)

	// SendToDevice sends direct-to-device events.
	SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) error

	// UploadOneTimeKeys publishes signed one-time keys for our own device.
	UploadOneTimeKeys(ctx context.Context, oneTimeKeys map[id.KeyID]mautrix.OneTimeKey) error

	// RoomDevices resolves the devices of all current members of a room.
	RoomDevices(ctx context.Context, roomID id.RoomID) ([]*DeviceIdentity, error)

	// Device resolves a single device by user and device ID.
	Device(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)

	// DeviceByKey resolves a user's device by its curve25519 identity key.
	DeviceByKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error)
}

// Verifier checks ed25519 signatures on signed JSON objects. The engines only
// consume verification; the production implementation delegates to the
// mautrix signature helpers.
type Verifier interface {
	VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error)
}

// JSONVerifier is the default Verifier.
type JSONVerifier struct{}

var _ Verifier = JSONVerifier{}

func (JSONVerifier) VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	return signatures.VerifySignatureJSON(obj, userID, keyName, key)
}
