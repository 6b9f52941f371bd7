// Package client adapts the Matrix client-server API to the collaborator
// interfaces consumed by pkg/crypto.
package client

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lattice-im/lattice/pkg/crypto"
)

// Requester implements crypto.Requester on top of a mautrix client.
type Requester struct {
	client *mautrix.Client
}

var _ crypto.Requester = (*Requester)(nil)

func NewRequester(client *mautrix.Client) *Requester {
	return &Requester{client: client}
}

func (r *Requester) ClaimOneTimeKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	return r.client.ClaimKeys(ctx, req)
}

func (r *Requester) SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) error {
	_, err := r.client.SendToDevice(ctx, eventType, req)
	return err
}

func (r *Requester) UploadOneTimeKeys(ctx context.Context, oneTimeKeys map[id.KeyID]mautrix.OneTimeKey) error {
	_, err := r.client.UploadKeys(ctx, &mautrix.ReqUploadKeys{OneTimeKeys: oneTimeKeys})
	return err
}

func (r *Requester) RoomDevices(ctx context.Context, roomID id.RoomID) ([]*crypto.DeviceIdentity, error) {
	members, err := r.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined members: %w", err)
	}
	request := mautrix.DeviceKeysRequest{}
	for userID := range members.Joined {
		request[userID] = []id.DeviceID{}
	}
	resp, err := r.client.QueryKeys(ctx, &mautrix.ReqQueryKeys{DeviceKeys: request})
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	var devices []*crypto.DeviceIdentity
	for userID, userDevices := range resp.DeviceKeys {
		for deviceID, keys := range userDevices {
			devices = append(devices, deviceIdentity(userID, deviceID, keys))
		}
	}
	return devices, nil
}

func (r *Requester) Device(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*crypto.DeviceIdentity, error) {
	resp, err := r.client.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{userID: {deviceID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	keys, ok := resp.DeviceKeys[userID][deviceID]
	if !ok {
		return nil, fmt.Errorf("no device keys found for %s/%s", userID, deviceID)
	}
	return deviceIdentity(userID, deviceID, keys), nil
}

func (r *Requester) DeviceByKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*crypto.DeviceIdentity, error) {
	resp, err := r.client.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{userID: {}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	for deviceID, keys := range resp.DeviceKeys[userID] {
		if keys.Keys.GetCurve25519(deviceID) == identityKey {
			return deviceIdentity(userID, deviceID, keys), nil
		}
	}
	return nil, fmt.Errorf("no device of %s has identity key %s", userID, identityKey)
}

func deviceIdentity(userID id.UserID, deviceID id.DeviceID, keys mautrix.DeviceKeys) *crypto.DeviceIdentity {
	return &crypto.DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: keys.Keys.GetCurve25519(deviceID),
		SigningKey:  keys.Keys.GetEd25519(deviceID),
	}
}
