package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DecryptedMegolmEvent is a validated, decrypted room message. RoomID is part
// of the encrypted plaintext and is re-checked against the room the outer
// event actually arrived in.
type DecryptedMegolmEvent struct {
	Source    *event.Event `json:"-"`
	SenderKey id.SenderKey `json:"-"`
	SessionID id.SessionID `json:"-"`
	Index     uint         `json:"-"`

	RoomID  id.RoomID     `json:"room_id"`
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// MegolmEngine creates, rotates and distributes per-room outbound group
// sessions and decrypts incoming room messages. All mutation of a room's
// outbound session is serialized per room; unrelated rooms proceed in
// parallel.
type MegolmEngine struct {
	log     zerolog.Logger
	account *Account
	store   Store
	req     Requester
	olm     *OlmEngine

	ownUser   id.UserID
	ownDevice id.DeviceID

	roomLocks *exsync.Map[id.RoomID, *sync.Mutex]
}

func NewMegolmEngine(log zerolog.Logger, account *Account, store Store, req Requester, olm *OlmEngine, ownUser id.UserID, ownDevice id.DeviceID) *MegolmEngine {
	return &MegolmEngine{
		log:       log.With().Str("component", "megolm").Logger(),
		account:   account,
		store:     store,
		req:       req,
		olm:       olm,
		ownUser:   ownUser,
		ownDevice: ownDevice,
		roomLocks: exsync.NewMap[id.RoomID, *sync.Mutex](),
	}
}

func (e *MegolmEngine) lockRoom(roomID id.RoomID) func() {
	lock, _ := e.roomLocks.GetOrSet(roomID, &sync.Mutex{})
	lock.Lock()
	return lock.Unlock
}

// EncryptMegolm encrypts a room event with the room's outbound group session,
// rotating the session first if the policy requires it and distributing the
// session key to any room device that has not received it yet.
func (e *MegolmEngine) EncryptMegolm(ctx context.Context, roomID id.RoomID, policy RotationPolicy, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	unlock := e.lockRoom(roomID)
	defer unlock()

	sess, err := e.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound group session: %w", err)
	}
	if sess == nil || sess.Expired(policy) {
		sess, err = e.rotateLocked(ctx, roomID, sess)
		if err != nil {
			return nil, err
		}
	}

	if err = e.shareLocked(ctx, sess); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&DecryptedMegolmEvent{
		RoomID:  roomID,
		Type:    evtType,
		Content: event.Content{Parsed: content},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal megolm payload: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	ciphertext, err := sess.Internal.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt megolm message: %w", err)
	}
	sess.MessageCount++
	if err = e.store.PutOutboundGroupSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save outbound group session: %w", err)
	}

	return &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        id.SenderKey(e.account.IdentityKey()),
		DeviceID:         e.ownDevice,
		SessionID:        sess.ID(),
		MegolmCiphertext: ciphertext,
	}, nil
}

// rotateLocked replaces the room's outbound session with a fresh one and
// stores the matching self-inbound session so our own history stays
// decryptable. Must be called with the room lock held.
func (e *MegolmEngine) rotateLocked(ctx context.Context, roomID id.RoomID, old *OutboundGroupSession) (*OutboundGroupSession, error) {
	sess, err := newOutboundGroupSession(roomID)
	if err != nil {
		return nil, err
	}
	selfInbound, err := NewInboundGroupSession(roomID, id.SenderKey(e.account.IdentityKey()), e.account.SigningKey(), sess.Internal.Key())
	if err != nil {
		return nil, err
	}
	selfInbound.Trusted = true
	if err = e.store.PutInboundGroupSession(ctx, selfInbound); err != nil {
		return nil, fmt.Errorf("failed to save self-inbound group session: %w", err)
	}
	if err = e.store.PutOutboundGroupSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save outbound group session: %w", err)
	}
	logEvt := e.log.Debug().
		Str("room_id", roomID.String()).
		Str("session_id", sess.ID().String())
	if old != nil {
		logEvt = logEvt.Str("replaced_session_id", old.ID().String()).Int("replaced_message_count", old.MessageCount)
	}
	logEvt.Msg("Rotated outbound group session")
	return sess, nil
}

// shareLocked distributes the session key to every room device that has not
// been informed of it yet. Devices for which no one-time key can be claimed
// or whose key share cannot be encrypted are skipped; they will be caught up
// by a future rotation or explicit re-share. Must be called with the room
// lock held.
func (e *MegolmEngine) shareLocked(ctx context.Context, sess *OutboundGroupSession) error {
	devices, err := e.req.RoomDevices(ctx, sess.RoomID)
	if err != nil {
		return fmt.Errorf("failed to resolve room devices: %w", err)
	}
	var pending []*DeviceIdentity
	for _, device := range devices {
		if device.UserID == e.ownUser && device.DeviceID == e.ownDevice {
			continue
		}
		if _, shared := sess.Shared[UserDevice{UserID: device.UserID, DeviceID: device.DeviceID}]; !shared {
			pending = append(pending, device)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	roomKey := &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     sess.RoomID,
		SessionID:  sess.ID(),
		SessionKey: sess.Internal.Key(),
	}

	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	var informed []UserDevice
	for _, device := range pending {
		encrypted, err := e.olm.EncryptOlm(ctx, device, event.ToDeviceRoomKey, roomKey)
		if err != nil {
			e.log.Warn().
				Str("user_id", device.UserID.String()).
				Str("device_id", device.DeviceID.String()).
				Err(err).
				Msg("Failed to encrypt group session key for device, skipping")
			continue
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[device.UserID][device.DeviceID] = &event.Content{Parsed: encrypted}
		informed = append(informed, UserDevice{UserID: device.UserID, DeviceID: device.DeviceID})
	}
	if len(informed) == 0 {
		return nil
	}
	if err = e.req.SendToDevice(ctx, event.ToDeviceEncrypted, &mautrix.ReqSendToDevice{Messages: messages}); err != nil {
		return fmt.Errorf("failed to send group session key shares: %w", err)
	}
	for _, ud := range informed {
		sess.Shared[ud] = struct{}{}
	}
	if err = e.store.PutOutboundGroupSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save outbound group session: %w", err)
	}
	e.log.Debug().
		Str("room_id", sess.RoomID.String()).
		Str("session_id", sess.ID().String()).
		Int("device_count", len(informed)).
		Msg("Shared group session key with devices")
	return nil
}

// DecryptMegolm decrypts and validates one encrypted room event.
func (e *MegolmEngine) DecryptMegolm(ctx context.Context, evt *event.Event) (*DecryptedMegolmEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, fmt.Errorf("unexpected content type %T in encrypted event", evt.Content.Parsed)
	}
	sess, err := e.store.GetInboundGroupSession(ctx, evt.RoomID, content.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inbound group session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s in %s", ErrMegolmKeyNotFound, content.SessionID, evt.RoomID)
	}

	plaintext, index, err := sess.Internal.Decrypt(content.MegolmCiphertext)
	if err != nil {
		// A session shared mid-stream cannot derive ratchet states before its
		// first known index. goolm and libolm report that with different
		// sentinels.
		if errors.Is(err, olm.ErrRatchetNotAvailable) || errors.Is(err, olm.UnknownMessageIndex) {
			return nil, fmt.Errorf("%w: %w", ErrMegolmUnknownMessageIndex, err)
		}
		return nil, fmt.Errorf("failed to decrypt megolm message: %w", err)
	}
	if uint32(index) < sess.FirstKnownIndex {
		return nil, fmt.Errorf("%w: message index %d, first known %d", ErrMegolmUnknownMessageIndex, index, sess.FirstKnownIndex)
	}

	decrypted := &DecryptedMegolmEvent{}
	if err = json.Unmarshal(plaintext, decrypted); err != nil {
		return nil, fmt.Errorf("failed to parse megolm payload: %w", err)
	}
	if decrypted.RoomID != evt.RoomID {
		return nil, fmt.Errorf("%w: payload room %s does not match event room %s", ErrValidationFailed, decrypted.RoomID, evt.RoomID)
	}

	ok, err = e.store.ValidateMessageIndex(ctx, evt.RoomID, content.SessionID, evt.ID, index, evt.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to check message index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: message index %d already seen with a different event", ErrValidationFailed, index)
	}

	decrypted.Source = evt
	decrypted.SenderKey = sess.SenderKey
	decrypted.SessionID = content.SessionID
	decrypted.Index = index
	if err = decrypted.Content.ParseRaw(decrypted.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	return decrypted, nil
}

// CreateInboundSession persists a group session key received through a
// decrypted pairwise envelope, taking the sender keys from the envelope's
// authenticated fields. An already-known session is left untouched.
func (e *MegolmEngine) CreateInboundSession(ctx context.Context, envelope *DecryptedOlmEvent, content *event.RoomKeyEventContent) error {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("unsupported group session algorithm %s", content.Algorithm)
	}
	existing, err := e.store.GetInboundGroupSession(ctx, content.RoomID, content.SessionID)
	if err != nil {
		return fmt.Errorf("failed to check for existing inbound group session: %w", err)
	}
	if existing != nil {
		return nil
	}
	sess, err := NewInboundGroupSession(content.RoomID, envelope.SenderKey, envelope.Keys.Ed25519, content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("%w: shared key has session ID %s, expected %s", ErrValidationFailed, sess.ID(), content.SessionID)
	}
	sess.Trusted = true
	if err = e.store.PutInboundGroupSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save inbound group session: %w", err)
	}
	e.log.Debug().
		Str("room_id", content.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Str("sender_key", envelope.SenderKey.String()).
		Uint32("first_known_index", sess.FirstKnownIndex).
		Msg("Stored inbound group session")
	return nil
}

// InvalidateOutboundSession deletes the room's outbound group session so the
// next encrypt starts a fresh session with empty distribution bookkeeping.
func (e *MegolmEngine) InvalidateOutboundSession(ctx context.Context, roomID id.RoomID) error {
	unlock := e.lockRoom(roomID)
	defer unlock()
	if err := e.store.DeleteOutboundGroupSession(ctx, roomID); err != nil {
		return fmt.Errorf("failed to delete outbound group session: %w", err)
	}
	e.log.Debug().Str("room_id", roomID.String()).Msg("Invalidated outbound group session")
	return nil
}
