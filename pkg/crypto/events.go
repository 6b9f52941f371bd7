package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// oneTimeKeyFloor is the minimum number of published signed one-time keys the
// server should hold for this device. Replenishment restores the floor when
// the server-reported count drops below it.
const oneTimeKeyFloor = 50

// EventHandler reacts to protocol events that affect session state: one-time
// key count updates, incoming group session keys and room membership changes.
type EventHandler struct {
	log     zerolog.Logger
	account *Account
	store   Store
	req     Requester
	megolm  *MegolmEngine

	ownUser   id.UserID
	ownDevice id.DeviceID

	accountLock sync.Mutex
}

func NewEventHandler(log zerolog.Logger, account *Account, store Store, req Requester, megolm *MegolmEngine, ownUser id.UserID, ownDevice id.DeviceID) *EventHandler {
	return &EventHandler{
		log:       log.With().Str("component", "crypto-events").Logger(),
		account:   account,
		store:     store,
		req:       req,
		megolm:    megolm,
		ownUser:   ownUser,
		ownDevice: ownDevice,
	}
}

// HandleOneTimeKeyCounts generates, signs and uploads enough one-time keys to
// restore the floor, never exceeding the account's maximum. Keys already
// marked as published are never regenerated; the account only marks the new
// batch as published after the upload succeeded.
func (h *EventHandler) HandleOneTimeKeyCounts(ctx context.Context, counts *mautrix.OTKCount) error {
	if counts.SignedCurve25519 >= oneTimeKeyFloor {
		return nil
	}
	h.accountLock.Lock()
	defer h.accountLock.Unlock()

	maxKeys := int(h.account.Internal.MaxNumberOfOneTimeKeys())
	needed := oneTimeKeyFloor - counts.SignedCurve25519
	if limit := maxKeys - counts.SignedCurve25519; needed > limit {
		needed = limit
	}
	if needed <= 0 {
		return nil
	}
	if err := h.account.Internal.GenOneTimeKeys(uint(needed)); err != nil {
		return fmt.Errorf("failed to generate one-time keys: %w", err)
	}
	signed, err := h.account.SignedOneTimeKeys(h.ownUser, h.ownDevice)
	if err != nil {
		return err
	}
	if err = h.req.UploadOneTimeKeys(ctx, signed); err != nil {
		return fmt.Errorf("failed to upload one-time keys: %w", err)
	}
	h.account.Internal.MarkKeysAsPublished()
	if err = h.store.PutAccount(ctx, h.account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	h.log.Debug().
		Int("server_count", counts.SignedCurve25519).
		Int("uploaded", len(signed)).
		Msg("Replenished one-time keys")
	return nil
}

// HandleDecryptedEvent is the engine's own subscriber on the decryption
// dispatcher. It persists group session keys that arrive through pairwise
// envelopes; everything else is left to other subscribers.
func (h *EventHandler) HandleDecryptedEvent(ctx context.Context, decrypted *DecryptedOlmEvent) {
	if decrypted.Type != event.ToDeviceRoomKey {
		return
	}
	content, ok := decrypted.Content.Parsed.(*event.RoomKeyEventContent)
	if !ok {
		h.log.Warn().
			Str("sender", decrypted.Sender.String()).
			Msg("Room key event has unexpected content type")
		return
	}
	if err := h.megolm.CreateInboundSession(ctx, decrypted, content); err != nil {
		h.log.Warn().
			Str("sender", decrypted.Sender.String()).
			Str("room_id", content.RoomID.String()).
			Err(err).
			Msg("Failed to store incoming group session key")
	}
}

// HandleMemberEvent invalidates the room's outbound group session when a
// member leaves or is banned, so the next encrypt starts from a fresh session
// that the departed member never receives.
func (h *EventHandler) HandleMemberEvent(ctx context.Context, evt *event.Event) error {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return fmt.Errorf("unexpected content type %T in member event", evt.Content.Parsed)
	}
	if content.Membership != event.MembershipLeave && content.Membership != event.MembershipBan {
		return nil
	}
	if prev := evt.Unsigned.PrevContent; prev != nil {
		if prevContent, ok := prev.Parsed.(*event.MemberEventContent); ok && prevContent.Membership == content.Membership {
			return nil
		}
	}
	return h.megolm.InvalidateOutboundSession(ctx, evt.RoomID)
}
