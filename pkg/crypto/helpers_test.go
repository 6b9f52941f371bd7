package crypto

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifySignatureJSON(any, id.UserID, string, id.Ed25519) (bool, error) {
	return true, nil
}

type rejectVerifier struct{}

func (rejectVerifier) VerifySignatureJSON(any, id.UserID, string, id.Ed25519) (bool, error) {
	return false, nil
}

type sentMessage struct {
	eventType event.Type
	req       *mautrix.ReqSendToDevice
}

// fakeRequester plays the homeserver for a set of test devices: it serves
// one-time key claims straight from the target device's account and records
// everything sent or uploaded through it.
type fakeRequester struct {
	mu sync.Mutex

	peers       map[UserDevice]*testDevice
	roomDevices map[id.RoomID][]*DeviceIdentity

	claimCalls int
	sent       []sentMessage
	uploads    []map[id.KeyID]mautrix.OneTimeKey
}

var _ Requester = (*fakeRequester)(nil)

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		peers:       make(map[UserDevice]*testDevice),
		roomDevices: make(map[id.RoomID][]*DeviceIdentity),
	}
}

func (f *fakeRequester) addPeer(dev *testDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[UserDevice{UserID: dev.userID, DeviceID: dev.deviceID}] = dev
}

func (f *fakeRequester) setRoomDevices(roomID id.RoomID, devices ...*testDevice) {
	identities := make([]*DeviceIdentity, len(devices))
	for i, dev := range devices {
		identities[i] = dev.identity()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomDevices[roomID] = identities
}

func (f *fakeRequester) ClaimOneTimeKeys(_ context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	resp := &mautrix.RespClaimKeys{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey),
	}
	for userID, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			dev, ok := f.peers[UserDevice{UserID: userID, DeviceID: deviceID}]
			if !ok {
				continue
			}
			keyID, otk := dev.claimOneTimeKey()
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[id.KeyID]mautrix.OneTimeKey{keyID: otk}
		}
	}
	return resp, nil
}

func (f *fakeRequester) SendToDevice(_ context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{eventType: eventType, req: req})
	return nil
}

func (f *fakeRequester) UploadOneTimeKeys(_ context.Context, oneTimeKeys map[id.KeyID]mautrix.OneTimeKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, oneTimeKeys)
	return nil
}

func (f *fakeRequester) RoomDevices(_ context.Context, roomID id.RoomID) ([]*DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomDevices[roomID], nil
}

func (f *fakeRequester) Device(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.peers[UserDevice{UserID: userID, DeviceID: deviceID}]
	if !ok {
		return nil, fmt.Errorf("unknown device %s/%s", userID, deviceID)
	}
	return dev.identity(), nil
}

func (f *fakeRequester) DeviceByKey(_ context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dev := range f.peers {
		if dev.userID == userID && dev.account.IdentityKey() == identityKey {
			return dev.identity(), nil
		}
	}
	return nil, fmt.Errorf("no device of %s has identity key %s", userID, identityKey)
}

func (f *fakeRequester) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimCalls
}

func (f *fakeRequester) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRequester) sentMessage(i int) sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// testDevice is one simulated device: a machine with an in-memory store,
// reachable by other devices through the shared fakeRequester.
type testDevice struct {
	t        *testing.T
	userID   id.UserID
	deviceID id.DeviceID
	account  *Account
	store    *MemoryStore
	machine  *Machine
}

func newTestDevice(t *testing.T, userID id.UserID, deviceID id.DeviceID, req *fakeRequester) *testDevice {
	return newTestDeviceWithVerifier(t, userID, deviceID, req, acceptAllVerifier{})
}

func newTestDeviceWithVerifier(t *testing.T, userID id.UserID, deviceID id.DeviceID, req *fakeRequester, verify Verifier) *testDevice {
	t.Helper()
	store := NewMemoryStore()
	machine := NewMachine(zerolog.Nop(), store, req, verify, userID, deviceID)
	require.NoError(t, machine.Load(context.Background()))
	dev := &testDevice{
		t:        t,
		userID:   userID,
		deviceID: deviceID,
		account:  machine.Account(),
		store:    store,
		machine:  machine,
	}
	req.addPeer(dev)
	return dev
}

func (d *testDevice) identity() *DeviceIdentity {
	return &DeviceIdentity{
		UserID:      d.userID,
		DeviceID:    d.deviceID,
		IdentityKey: d.account.IdentityKey(),
		SigningKey:  d.account.SigningKey(),
	}
}

func (d *testDevice) senderKey() id.SenderKey {
	return id.SenderKey(d.account.IdentityKey())
}

// claimOneTimeKey generates, signs and hands out one fresh one-time key, the
// way the homeserver would serve a /keys/claim request.
func (d *testDevice) claimOneTimeKey() (id.KeyID, mautrix.OneTimeKey) {
	d.t.Helper()
	require.NoError(d.t, d.account.Internal.GenOneTimeKeys(1))
	signed, err := d.account.SignedOneTimeKeys(d.userID, d.deviceID)
	require.NoError(d.t, err)
	d.account.Internal.MarkKeysAsPublished()
	for keyID, otk := range signed {
		return keyID, otk
	}
	d.t.Fatal("account generated no one-time key")
	return "", mautrix.OneTimeKey{}
}

// receiveToDevice runs a previously recorded to-device batch through this
// device's dispatcher, as if it had arrived via sync.
func (d *testDevice) receiveToDevice(sender *testDevice, msg sentMessage) {
	d.t.Helper()
	content, ok := msg.req.Messages[d.userID][d.deviceID]
	require.True(d.t, ok, "message batch has nothing for %s/%s", d.userID, d.deviceID)
	d.machine.ProcessToDeviceEvents(context.Background(), []*event.Event{
		toDeviceEvent(sender.userID, content.Parsed.(*event.EncryptedEventContent)),
	})
}

func toDeviceEvent(sender id.UserID, content *event.EncryptedEventContent) *event.Event {
	return &event.Event{
		Sender:  sender,
		Type:    event.ToDeviceEncrypted,
		Content: event.Content{Parsed: content},
	}
}

func roomEvent(sender id.UserID, roomID id.RoomID, eventID id.EventID, ts int64, content *event.EncryptedEventContent) *event.Event {
	return &event.Event{
		Sender:    sender,
		RoomID:    roomID,
		ID:        eventID,
		Timestamp: ts,
		Type:      event.EventEncrypted,
		Content:   event.Content{Parsed: content},
	}
}
