package crypto

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmSession wraps a pairwise ratchet session with the bookkeeping the engine
// needs for session selection: when it was created and when it last
// successfully encrypted or decrypted something.
type OlmSession struct {
	Internal olm.Session

	ID           id.SessionID
	CreationTime time.Time
	LastUsed     time.Time
}

func wrapOlmSession(internal olm.Session) *OlmSession {
	now := time.Now().UTC()
	return &OlmSession{
		Internal:     internal,
		ID:           internal.ID(),
		CreationTime: now,
		LastUsed:     now,
	}
}

// Encrypt encrypts plaintext with this session and bumps the last-used
// timestamp. The caller is responsible for persisting the session afterwards.
func (s *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	msgType, ciphertext, err := s.Internal.Encrypt(plaintext)
	if err != nil {
		return msgType, nil, err
	}
	s.LastUsed = time.Now().UTC()
	return msgType, ciphertext, nil
}

// Decrypt decrypts ciphertext with this session and bumps the last-used
// timestamp on success. A failed attempt leaves the wrapper untouched.
func (s *OlmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	plaintext, err := s.Internal.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, err
	}
	s.LastUsed = time.Now().UTC()
	return plaintext, nil
}

type pickledOlmSession struct {
	Pickle       string             `json:"pickle"`
	ID           id.SessionID       `json:"session_id"`
	CreationTime jsontime.UnixMilli `json:"creation_time"`
	LastUsed     jsontime.UnixMilli `json:"last_used"`
}

// Pickle serializes the session, encrypting the ratchet state with key.
func (s *OlmSession) Pickle(key []byte) ([]byte, error) {
	pickled, err := s.Internal.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("failed to pickle olm session: %w", err)
	}
	return json.Marshal(&pickledOlmSession{
		Pickle:       string(pickled),
		ID:           s.ID,
		CreationTime: jsontime.UM(s.CreationTime),
		LastUsed:     jsontime.UM(s.LastUsed),
	})
}

// OlmSessionFromPickled is the inverse of [OlmSession.Pickle].
func OlmSessionFromPickled(data, key []byte) (*OlmSession, error) {
	var pickled pickledOlmSession
	if err := json.Unmarshal(data, &pickled); err != nil {
		return nil, err
	}
	internal, err := olm.SessionFromPickled([]byte(pickled.Pickle), key)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle olm session: %w", err)
	}
	return &OlmSession{
		Internal:     internal,
		ID:           pickled.ID,
		CreationTime: pickled.CreationTime.Time,
		LastUsed:     pickled.LastUsed.Time,
	}, nil
}

// UserDevice identifies one device of one user.
type UserDevice struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// RotationPolicy controls when an outbound group session is replaced with a
// fresh one. Both limits are inclusive: a session that has reached either
// bound is rotated before the next message is encrypted.
type RotationPolicy struct {
	MaxAge      time.Duration
	MaxMessages int
}

// DefaultRotation mirrors the protocol's default m.room.encryption settings.
var DefaultRotation = RotationPolicy{
	MaxAge:      7 * 24 * time.Hour,
	MaxMessages: 100,
}

// OutboundGroupSession is the room-scoped sending half of a group session,
// together with the set of devices that have already received its key.
type OutboundGroupSession struct {
	Internal olm.OutboundGroupSession

	RoomID       id.RoomID
	CreationTime time.Time
	MessageCount int

	// Shared tracks the devices already informed of this session's key. It
	// is reset whenever the session rotates, which is what guarantees that a
	// departed room member cannot linger in stale distribution bookkeeping.
	Shared map[UserDevice]struct{}
}

func newOutboundGroupSession(roomID id.RoomID) (*OutboundGroupSession, error) {
	internal, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound group session: %w", err)
	}
	return &OutboundGroupSession{
		Internal:     internal,
		RoomID:       roomID,
		CreationTime: time.Now().UTC(),
		Shared:       make(map[UserDevice]struct{}),
	}, nil
}

// ID returns the session identifier derived from the ratchet state.
func (s *OutboundGroupSession) ID() id.SessionID {
	return s.Internal.ID()
}

// Expired reports whether the session has hit either rotation bound.
func (s *OutboundGroupSession) Expired(policy RotationPolicy) bool {
	if policy.MaxMessages > 0 && s.MessageCount >= policy.MaxMessages {
		return true
	}
	if policy.MaxAge > 0 && time.Since(s.CreationTime) >= policy.MaxAge {
		return true
	}
	return false
}

type pickledOutboundGroupSession struct {
	Pickle       string             `json:"pickle"`
	RoomID       id.RoomID          `json:"room_id"`
	CreationTime jsontime.UnixMilli `json:"creation_time"`
	MessageCount int                `json:"message_count"`
	Shared       []UserDevice       `json:"shared"`
}

// Pickle serializes the session, encrypting the ratchet state with key.
func (s *OutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	pickled, err := s.Internal.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("failed to pickle outbound group session: %w", err)
	}
	shared := make([]UserDevice, 0, len(s.Shared))
	for ud := range s.Shared {
		shared = append(shared, ud)
	}
	return json.Marshal(&pickledOutboundGroupSession{
		Pickle:       string(pickled),
		RoomID:       s.RoomID,
		CreationTime: jsontime.UM(s.CreationTime),
		MessageCount: s.MessageCount,
		Shared:       shared,
	})
}

// OutboundGroupSessionFromPickled is the inverse of
// [OutboundGroupSession.Pickle].
func OutboundGroupSessionFromPickled(data, key []byte) (*OutboundGroupSession, error) {
	var pickled pickledOutboundGroupSession
	if err := json.Unmarshal(data, &pickled); err != nil {
		return nil, err
	}
	internal, err := olm.OutboundGroupSessionFromPickled([]byte(pickled.Pickle), key)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle outbound group session: %w", err)
	}
	shared := make(map[UserDevice]struct{}, len(pickled.Shared))
	for _, ud := range pickled.Shared {
		shared[ud] = struct{}{}
	}
	return &OutboundGroupSession{
		Internal:     internal,
		RoomID:       pickled.RoomID,
		CreationTime: pickled.CreationTime.Time,
		MessageCount: pickled.MessageCount,
		Shared:       shared,
	}, nil
}

// InboundGroupSession is the receiving half of a group session. Apart from
// the trust and backup flags it is immutable once stored.
type InboundGroupSession struct {
	Internal olm.InboundGroupSession

	RoomID     id.RoomID
	SenderKey  id.SenderKey
	SigningKey id.Ed25519

	// FirstKnownIndex is the lowest ratchet index this copy of the session
	// can decrypt. Non-zero for sessions shared or forwarded mid-stream.
	FirstKnownIndex uint32

	// ForwardingChains lists the identity keys the session passed through
	// before reaching us. Empty for sessions received directly.
	ForwardingChains []string

	Trusted    bool
	BackedUp   bool
	ReceivedAt time.Time
}

// NewInboundGroupSession builds an inbound session from an exported session
// key, recording the authenticated sender keys it arrived with.
func NewInboundGroupSession(roomID id.RoomID, senderKey id.SenderKey, signingKey id.Ed25519, sessionKey string) (*InboundGroupSession, error) {
	internal, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound group session: %w", err)
	}
	return &InboundGroupSession{
		Internal:        internal,
		RoomID:          roomID,
		SenderKey:       senderKey,
		SigningKey:      signingKey,
		FirstKnownIndex: internal.FirstKnownIndex(),
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

// ID returns the session identifier derived from the ratchet state.
func (s *InboundGroupSession) ID() id.SessionID {
	return s.Internal.ID()
}

type pickledInboundGroupSession struct {
	Pickle           string             `json:"pickle"`
	RoomID           id.RoomID          `json:"room_id"`
	SenderKey        id.SenderKey       `json:"sender_key"`
	SigningKey       id.Ed25519         `json:"signing_key"`
	FirstKnownIndex  uint32             `json:"first_known_index"`
	ForwardingChains []string           `json:"forwarding_chains,omitempty"`
	Trusted          bool               `json:"trusted"`
	BackedUp         bool               `json:"backed_up"`
	ReceivedAt       jsontime.UnixMilli `json:"received_at"`
}

// Pickle serializes the session, encrypting the ratchet state with key.
func (s *InboundGroupSession) Pickle(key []byte) ([]byte, error) {
	pickled, err := s.Internal.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("failed to pickle inbound group session: %w", err)
	}
	return json.Marshal(&pickledInboundGroupSession{
		Pickle:           string(pickled),
		RoomID:           s.RoomID,
		SenderKey:        s.SenderKey,
		SigningKey:       s.SigningKey,
		FirstKnownIndex:  s.FirstKnownIndex,
		ForwardingChains: s.ForwardingChains,
		Trusted:          s.Trusted,
		BackedUp:         s.BackedUp,
		ReceivedAt:       jsontime.UM(s.ReceivedAt),
	})
}

// InboundGroupSessionFromPickled is the inverse of
// [InboundGroupSession.Pickle].
func InboundGroupSessionFromPickled(data, key []byte) (*InboundGroupSession, error) {
	var pickled pickledInboundGroupSession
	if err := json.Unmarshal(data, &pickled); err != nil {
		return nil, err
	}
	internal, err := olm.InboundGroupSessionFromPickled([]byte(pickled.Pickle), key)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle inbound group session: %w", err)
	}
	return &InboundGroupSession{
		Internal:         internal,
		RoomID:           pickled.RoomID,
		SenderKey:        pickled.SenderKey,
		SigningKey:       pickled.SigningKey,
		FirstKnownIndex:  pickled.FirstKnownIndex,
		ForwardingChains: pickled.ForwardingChains,
		Trusted:          pickled.Trusted,
		BackedUp:         pickled.BackedUp,
		ReceivedAt:       pickled.ReceivedAt.Time,
	}, nil
}
