package crypto

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Machine wires the pairwise engine, the group engine, the event handler and
// the decryption dispatcher together behind the surface the rest of the
// client uses. Construct with NewMachine, then call Load before use.
type Machine struct {
	Log   zerolog.Logger
	Store Store

	req    Requester
	verify Verifier

	ownUser   id.UserID
	ownDevice id.DeviceID

	account    *Account
	Olm        *OlmEngine
	Megolm     *MegolmEngine
	Events     *EventHandler
	Dispatcher *Dispatcher
}

func NewMachine(log zerolog.Logger, store Store, req Requester, verify Verifier, ownUser id.UserID, ownDevice id.DeviceID) *Machine {
	if verify == nil {
		verify = JSONVerifier{}
	}
	return &Machine{
		Log:       log,
		Store:     store,
		req:       req,
		verify:    verify,
		ownUser:   ownUser,
		ownDevice: ownDevice,
	}
}

// Load restores the local account from the store, creating and persisting a
// fresh one on first run, and builds the engines around it.
func (m *Machine) Load(ctx context.Context) error {
	account, err := m.Store.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		account, err = NewAccount()
		if err != nil {
			return err
		}
		if err = m.Store.PutAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to save new account: %w", err)
		}
		m.Log.Info().
			Str("identity_key", account.IdentityKey().String()).
			Msg("Created new crypto account")
	}
	m.account = account
	m.Olm = NewOlmEngine(m.Log, account, m.Store, m.req, m.verify, m.ownUser, m.ownDevice)
	m.Megolm = NewMegolmEngine(m.Log, account, m.Store, m.req, m.Olm, m.ownUser, m.ownDevice)
	m.Events = NewEventHandler(m.Log, account, m.Store, m.req, m.Megolm, m.ownUser, m.ownDevice)
	m.Dispatcher = NewDispatcher(m.Log, m.Olm)
	m.Dispatcher.Subscribe(m.Events.HandleDecryptedEvent)
	return nil
}

// Account returns the loaded local account.
func (m *Machine) Account() *Account {
	return m.account
}

// EncryptOlm encrypts content for a single device over a pairwise session.
func (m *Machine) EncryptOlm(ctx context.Context, target *DeviceIdentity, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	return m.Olm.EncryptOlm(ctx, target, evtType, content)
}

// DecryptOlm decrypts and validates a single encrypted to-device event.
func (m *Machine) DecryptOlm(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	return m.Olm.DecryptOlm(ctx, evt)
}

// EncryptMegolm encrypts a room event with the room's group session.
func (m *Machine) EncryptMegolm(ctx context.Context, roomID id.RoomID, policy RotationPolicy, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	return m.Megolm.EncryptMegolm(ctx, roomID, policy, evtType, content)
}

// DecryptMegolm decrypts and validates a single encrypted room event.
func (m *Machine) DecryptMegolm(ctx context.Context, evt *event.Event) (*DecryptedMegolmEvent, error) {
	return m.Megolm.DecryptMegolm(ctx, evt)
}

// HandleOneTimeKeyCounts reacts to the server-reported one-time key count.
func (m *Machine) HandleOneTimeKeyCounts(ctx context.Context, counts *mautrix.OTKCount) error {
	return m.Events.HandleOneTimeKeyCounts(ctx, counts)
}

// HandleMemberEvent reacts to room membership changes.
func (m *Machine) HandleMemberEvent(ctx context.Context, evt *event.Event) error {
	return m.Events.HandleMemberEvent(ctx, evt)
}

// ProcessToDeviceEvents decrypts a batch of encrypted to-device events and
// fans the results out to dispatcher subscribers.
func (m *Machine) ProcessToDeviceEvents(ctx context.Context, evts []*event.Event) {
	m.Dispatcher.Dispatch(ctx, evts)
}

// Subscribe registers a subscriber for decrypted pairwise envelopes.
func (m *Machine) Subscribe(fn SubscriberFunc) {
	m.Dispatcher.Subscribe(fn)
}
