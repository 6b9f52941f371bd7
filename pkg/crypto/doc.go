// Package crypto implements the end-to-end encryption session engine of the
// client: pairwise (olm) session management and per-room group (megolm)
// session management on top of the ratchet primitives provided by
// maunium.net/go/mautrix/crypto/olm.
//
// The package is a policy layer, not a cryptography layer. It decides which
// session to use, when to create and rotate sessions, how group session keys
// are distributed to room devices, and how tampering and replay are detected.
// The ratchet mathematics and the wire encoding of the primitives live in
// the olm package.
//
// [OlmEngine] owns pairwise sessions: selection is most-recently-used first,
// pre-key floods are rejected once an identity key has accumulated too many
// fresh sessions, and undecryptable messages trigger a throttled recovery
// handshake. [MegolmEngine] owns per-room outbound sessions and their
// distribution bookkeeping plus inbound sessions and the append-only message
// index ledger that detects index reuse. [EventHandler] reacts to one-time
// key counts, incoming group session keys and membership changes.
// [Dispatcher] fans decrypted pairwise envelopes out to subscribers.
// [Machine] ties the four together behind a single facade.
//
// All failure conditions are expected and locally recoverable; they are
// reported as wrapped sentinel errors ([ErrTooManySessions],
// [ErrMegolmKeyNotFound], [ErrValidationFailed], ...) that callers test with
// errors.Is, log and skip. Nothing here is fatal to the engine.
//
// Concurrency: mutation is serialized per remote identity key for pairwise
// sessions and per room for outbound group sessions. There are no global
// locks; operations on unrelated keys and rooms run in parallel. Session
// state is written to the [Store] only after a ratchet operation has fully
// succeeded, as a complete value replace.
package crypto
