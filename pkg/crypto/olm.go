package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	// maxOlmSessionsPerKey caps how many sessions a single identity key may
	// establish inside olmSessionFloodWindow before new pre-key messages are
	// rejected.
	maxOlmSessionsPerKey  = 5
	olmSessionFloodWindow = time.Hour

	// recoveryCooldown limits how often a recovery pre-key message is sent
	// towards one identity key, so a burst of undecryptable messages from a
	// broken peer cannot amplify into unbounded recovery traffic.
	recoveryCooldown = 10 * time.Second

	claimKeysTimeout = 10 * time.Second
)

// OlmEventKeys carries the signing key an olm envelope declares for one side.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is a validated, decrypted pairwise envelope. The four
// declared sender/recipient fields are part of the encrypted plaintext and
// bind the message to a specific sender/recipient pair; they are re-checked
// against the outer event and the local identity on decryption.
type DecryptedOlmEvent struct {
	Source    *event.Event `json:"-"`
	SenderKey id.SenderKey `json:"-"`

	Sender        id.UserID     `json:"sender"`
	SenderDevice  id.DeviceID   `json:"sender_device"`
	Keys          OlmEventKeys  `json:"keys"`
	Recipient     id.UserID     `json:"recipient"`
	RecipientKeys OlmEventKeys  `json:"recipient_keys"`
	Type          event.Type    `json:"type"`
	Content       event.Content `json:"content"`
}

// OlmEngine creates, selects among and evolves pairwise encrypted sessions.
// All mutation is serialized per remote identity key; operations on unrelated
// keys proceed in parallel.
type OlmEngine struct {
	log     zerolog.Logger
	account *Account
	store   Store
	req     Requester
	verify  Verifier

	ownUser   id.UserID
	ownDevice id.DeviceID

	keyLocks *exsync.Map[id.SenderKey, *sync.Mutex]

	recoveryLock sync.Mutex
	lastRecovery map[id.SenderKey]time.Time
}

func NewOlmEngine(log zerolog.Logger, account *Account, store Store, req Requester, verify Verifier, ownUser id.UserID, ownDevice id.DeviceID) *OlmEngine {
	return &OlmEngine{
		log:          log.With().Str("component", "olm").Logger(),
		account:      account,
		store:        store,
		req:          req,
		verify:       verify,
		ownUser:      ownUser,
		ownDevice:    ownDevice,
		keyLocks:     exsync.NewMap[id.SenderKey, *sync.Mutex](),
		lastRecovery: make(map[id.SenderKey]time.Time),
	}
}

func (e *OlmEngine) lockKey(senderKey id.SenderKey) func() {
	lock, _ := e.keyLocks.GetOrSet(senderKey, &sync.Mutex{})
	lock.Lock()
	return lock.Unlock
}

// EncryptOlm encrypts content of the given event type for one target device.
// The most recently used existing session for the device's identity key is
// selected; if none exists, a fresh one-time key is claimed and verified and
// a new session established.
func (e *OlmEngine) EncryptOlm(ctx context.Context, target *DeviceIdentity, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	unlock := e.lockKey(id.SenderKey(target.IdentityKey))
	defer unlock()
	return e.encryptLocked(ctx, target, evtType, content, false)
}

// encryptLocked must be called with the target identity key's lock held.
// forceNewSession bypasses session selection and always establishes a fresh
// session; recovery uses this to re-key a peer whose sessions have diverged.
func (e *OlmEngine) encryptLocked(ctx context.Context, target *DeviceIdentity, evtType event.Type, content any, forceNewSession bool) (*event.EncryptedEventContent, error) {
	senderKey := id.SenderKey(target.IdentityKey)
	sessions, err := e.store.GetOlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load olm sessions: %w", err)
	}

	var sess *OlmSession
	if !forceNewSession && len(sessions) > 0 {
		sess = sessions[0]
	} else {
		sess, err = e.createOutboundSession(ctx, target)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	envelope := &DecryptedOlmEvent{
		Sender:        e.ownUser,
		SenderDevice:  e.ownDevice,
		Keys:          OlmEventKeys{Ed25519: e.account.SigningKey()},
		Recipient:     target.UserID,
		RecipientKeys: OlmEventKeys{Ed25519: target.SigningKey},
		Type:          evtType,
		Content:       event.Content{Parsed: content},
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal olm envelope: %w", err)
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	msgType, ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt olm message: %w", err)
	}
	if err = e.store.PutOlmSessions(ctx, senderKey, sessions); err != nil {
		return nil, fmt.Errorf("failed to save olm sessions: %w", err)
	}

	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: id.SenderKey(e.account.IdentityKey()),
		OlmCiphertext: event.OlmCiphertexts{
			target.IdentityKey: {
				Type: msgType,
				Body: string(ciphertext),
			},
		},
	}, nil
}

// createOutboundSession claims one signed one-time key for the target device,
// verifies its signature and establishes a new outbound session from it.
func (e *OlmEngine) createOutboundSession(ctx context.Context, target *DeviceIdentity) (*OlmSession, error) {
	resp, err := e.req.ClaimOneTimeKeys(ctx, &mautrix.ReqClaimKeys{
		OneTimeKeys: map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{
			target.UserID: {target.DeviceID: id.KeyAlgorithmSignedCurve25519},
		},
		Timeout: claimKeysTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time key: %w", err)
	}
	var oneTimeKey *mautrix.OneTimeKey
	for _, key := range resp.OneTimeKeys[target.UserID][target.DeviceID] {
		oneTimeKey = &key
		break
	}
	if oneTimeKey == nil {
		return nil, fmt.Errorf("no one-time key available for %s/%s", target.UserID, target.DeviceID)
	}

	ok, err := e.verify.VerifySignatureJSON(oneTimeKey.RawData, target.UserID, target.DeviceID.String(), target.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOneTimeKeyVerificationFailed, err)
	} else if !ok {
		return nil, fmt.Errorf("%w for %s/%s", ErrOneTimeKeyVerificationFailed, target.UserID, target.DeviceID)
	}

	internal, err := e.account.Internal.NewOutboundSession(target.IdentityKey, oneTimeKey.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound olm session: %w", err)
	}
	sess := wrapOlmSession(internal)
	e.log.Debug().
		Str("user_id", target.UserID.String()).
		Str("device_id", target.DeviceID.String()).
		Str("session_id", sess.ID.String()).
		Msg("Created new outbound olm session")
	return sess, nil
}

// DecryptOlm decrypts and validates one encrypted to-device event. The
// ratchet state of the session that decrypted the message is persisted even
// when envelope validation fails afterwards, so the two sides cannot drift
// apart over a forged payload.
func (e *OlmEngine) DecryptOlm(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, fmt.Errorf("unexpected content type %T in encrypted event", evt.Content.Parsed)
	}
	ownCiphertext, ok := content.OlmCiphertext[e.account.IdentityKey()]
	if !ok {
		return nil, ErrNotEncryptedForMe
	}
	senderKey := content.SenderKey

	unlock := e.lockKey(senderKey)
	defer unlock()

	var plaintext []byte
	var err error
	if ownCiphertext.Type == id.OlmMsgTypePreKey {
		// An established session keeps producing pre-key messages until it
		// receives a reply, so existing sessions get a chance first; only
		// when none of them matches is a new inbound session created.
		plaintext, err = e.decryptWithExistingLocked(ctx, senderKey, ownCiphertext.Body, ownCiphertext.Type)
		if errors.Is(err, ErrNoMatchingOlmSession) {
			plaintext, err = e.decryptPreKeyLocked(ctx, senderKey, ownCiphertext.Body)
		}
	} else {
		plaintext, err = e.decryptWithExistingLocked(ctx, senderKey, ownCiphertext.Body, ownCiphertext.Type)
		if errors.Is(err, ErrNoMatchingOlmSession) {
			e.recoverSession(ctx, evt.Sender, senderKey)
		}
	}
	if err != nil {
		return nil, err
	}

	decrypted := &DecryptedOlmEvent{}
	if err = json.Unmarshal(plaintext, decrypted); err != nil {
		return nil, fmt.Errorf("failed to parse olm envelope: %w", err)
	}
	decrypted.Source = evt
	decrypted.SenderKey = senderKey
	// The type class is not carried in the plaintext.
	decrypted.Type.Class = event.ToDeviceEventType

	if decrypted.Sender != evt.Sender {
		return nil, fmt.Errorf("%w: envelope sender %s does not match event sender %s", ErrValidationFailed, decrypted.Sender, evt.Sender)
	} else if decrypted.Recipient != e.ownUser {
		return nil, fmt.Errorf("%w: envelope recipient %s is not us", ErrValidationFailed, decrypted.Recipient)
	} else if decrypted.RecipientKeys.Ed25519 != e.account.SigningKey() {
		return nil, fmt.Errorf("%w: envelope recipient key does not match our signing key", ErrValidationFailed)
	}

	if err = decrypted.Content.ParseRaw(decrypted.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	return decrypted, nil
}

// decryptPreKeyLocked establishes a brand-new inbound session from a pre-key
// message and decrypts it. Must be called with the sender key's lock held.
func (e *OlmEngine) decryptPreKeyLocked(ctx context.Context, senderKey id.SenderKey, body string) ([]byte, error) {
	sessions, err := e.store.GetOlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load olm sessions: %w", err)
	}
	if len(sessions) >= maxOlmSessionsPerKey && allCreatedWithin(sessions, olmSessionFloodWindow) {
		return nil, fmt.Errorf("%w: %d sessions created within %s", ErrTooManySessions, len(sessions), olmSessionFloodWindow)
	}

	theirKey := id.Curve25519(senderKey)
	internal, err := e.account.Internal.NewInboundSessionFrom(&theirKey, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound olm session: %w", err)
	}
	if err = e.account.Internal.RemoveOneTimeKeys(internal); err != nil {
		e.log.Warn().Err(err).Msg("Failed to remove used one-time key from account")
	} else if err = e.store.PutAccount(ctx, e.account); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}

	sess := wrapOlmSession(internal)
	plaintext, err := sess.Decrypt(body, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pre-key message with new session: %w", err)
	}
	sessions = append(sessions, sess)
	if err = e.store.PutOlmSessions(ctx, senderKey, sessions); err != nil {
		return nil, fmt.Errorf("failed to save olm sessions: %w", err)
	}
	e.log.Debug().
		Str("sender_key", senderKey.String()).
		Str("session_id", sess.ID.String()).
		Msg("Created new inbound olm session")
	return plaintext, nil
}

// decryptWithExistingLocked tries the stored sessions for the sender key in
// descending last-used order. Failed attempts mutate nothing; only the
// winning session's state and last-used time are persisted.
func (e *OlmEngine) decryptWithExistingLocked(ctx context.Context, senderKey id.SenderKey, body string, msgType id.OlmMsgType) ([]byte, error) {
	sessions, err := e.store.GetOlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load olm sessions: %w", err)
	}
	for _, sess := range sessions {
		plaintext, err := sess.Decrypt(body, msgType)
		if err == nil {
			if err = e.store.PutOlmSessions(ctx, senderKey, sessions); err != nil {
				return nil, fmt.Errorf("failed to save olm sessions: %w", err)
			}
			return plaintext, nil
		}
		e.log.Trace().
			Str("session_id", sess.ID.String()).
			Err(err).
			Msg("Olm session failed to decrypt message, trying next")
	}
	return nil, fmt.Errorf("%w (tried %d)", ErrNoMatchingOlmSession, len(sessions))
}

// recoverSession sends a dummy-content pre-key message to the sender so both
// sides converge on a fresh session. At most one recovery attempt is made per
// identity key per cooldown window.
func (e *OlmEngine) recoverSession(ctx context.Context, userID id.UserID, senderKey id.SenderKey) {
	if !e.claimRecoverySlot(senderKey) {
		e.log.Debug().Str("sender_key", senderKey.String()).Msg("Skipping session recovery, attempted too recently")
		return
	}
	log := e.log.With().Str("user_id", userID.String()).Str("sender_key", senderKey.String()).Logger()
	target, err := e.req.DeviceByKey(ctx, userID, id.Curve25519(senderKey))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve device for session recovery")
		return
	}
	content, err := e.encryptLocked(ctx, target, event.ToDeviceDummy, &event.DummyEventContent{}, true)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encrypt recovery message")
		return
	}
	err = e.req.SendToDevice(ctx, event.ToDeviceEncrypted, &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			target.UserID: {target.DeviceID: {Parsed: content}},
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send recovery message")
		return
	}
	log.Debug().Msg("Sent olm session recovery message")
}

// claimRecoverySlot atomically checks and updates the last recovery attempt
// timestamp for the given identity key.
func (e *OlmEngine) claimRecoverySlot(senderKey id.SenderKey) bool {
	e.recoveryLock.Lock()
	defer e.recoveryLock.Unlock()
	if last, ok := e.lastRecovery[senderKey]; ok && time.Since(last) < recoveryCooldown {
		return false
	}
	e.lastRecovery[senderKey] = time.Now()
	return true
}

func allCreatedWithin(sessions []*OlmSession, window time.Duration) bool {
	for _, sess := range sessions {
		if time.Since(sess.CreationTime) >= window {
			return false
		}
	}
	return true
}
