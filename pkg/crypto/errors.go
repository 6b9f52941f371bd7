package crypto

import (
	"errors"
)

// Errors returned by the encryption engines. All of these are expected,
// locally recoverable conditions: callers should log them and skip the
// offending event rather than abort batch processing.
var (
	// ErrOneTimeKeyVerificationFailed means a one-time key claimed from the
	// server carried a bad device signature. No session is created and
	// nothing is sent.
	ErrOneTimeKeyVerificationFailed = errors.New("signature verification failed for claimed one-time key")

	// ErrTooManySessions means a pre-key message was rejected because the
	// sender already has the maximum number of recently created sessions.
	// This limits session-exhaustion flooding from a single identity key.
	ErrTooManySessions = errors.New("too many recently created olm sessions for sender key")

	// ErrNoMatchingOlmSession means an ordinary olm message could not be
	// decrypted by any stored session for the sender's identity key.
	ErrNoMatchingOlmSession = errors.New("no olm session could decrypt the message")

	// ErrNotEncryptedForMe means the olm ciphertext map has no entry for our
	// own identity key.
	ErrNotEncryptedForMe = errors.New("olm event is not encrypted for this device")

	// ErrMegolmKeyNotFound means no inbound group session is stored for the
	// (session ID, room ID) pair of an incoming room message.
	ErrMegolmKeyNotFound = errors.New("no inbound megolm session found")

	// ErrMegolmUnknownMessageIndex means the message's ratchet index precedes
	// the first index known to our copy of the session, which happens when a
	// session was shared or forwarded mid-stream.
	ErrMegolmUnknownMessageIndex = errors.New("megolm message index precedes first known index")

	// ErrValidationFailed covers authenticity failures on an otherwise
	// successful decryption: sender/recipient/room binding mismatches and
	// message index reuse. Events failing validation are permanently
	// undecryptable and must never be acted upon.
	ErrValidationFailed = errors.New("decrypted event failed validation")
)
