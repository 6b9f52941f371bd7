package crypto

import (
	"context"
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Store persists the engine's session state. Implementations must treat every
// Put as a complete value replace, never an incremental patch: the engines
// only call Put after a ratchet operation has fully succeeded, and rely on
// the stored snapshot always being internally consistent.
//
// Callers are responsible for read-modify-write consistency; the engines
// serialize mutation per identity key and per room before touching the store.
type Store interface {
	// GetAccount returns the local account, or nil if none is stored.
	GetAccount(ctx context.Context) (*Account, error)
	// PutAccount replaces the stored local account.
	PutAccount(ctx context.Context, account *Account) error

	// GetOlmSessions returns all pairwise sessions for the given identity
	// key, ordered by last-used time descending. The returned slice is owned
	// by the caller.
	GetOlmSessions(ctx context.Context, senderKey id.SenderKey) ([]*OlmSession, error)
	// PutOlmSessions replaces the full session set for the given identity key.
	PutOlmSessions(ctx context.Context, senderKey id.SenderKey, sessions []*OlmSession) error

	// GetOutboundGroupSession returns the room's outbound group session, or
	// nil if none is stored.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	// GetInboundGroupSession returns the inbound group session for the given
	// (room, session ID) pair, or nil if none is stored.
	GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error)
	PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error

	// ValidateMessageIndex checks the message index ledger for the given
	// (session, room, index) triple and atomically records the event ID and
	// origin timestamp on first sight. It returns true if the index was
	// unseen or the recorded pair matches exactly, false if the index was
	// previously recorded with a different event ID or timestamp. The ledger
	// entry is never overwritten.
	ValidateMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error)
}

type inboundSessionKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
}

type messageIndexKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	Index     uint
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

// MemoryStore is an in-process Store for tests and ephemeral runs. Session
// sets are swapped wholesale on save, so readers always observe a consistent
// snapshot.
type MemoryStore struct {
	mu sync.RWMutex

	account          *Account
	olmSessions      map[id.SenderKey][]*OlmSession
	outboundSessions map[id.RoomID]*OutboundGroupSession
	inboundSessions  map[inboundSessionKey]*InboundGroupSession
	messageIndices   map[messageIndexKey]messageIndexValue
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		olmSessions:      make(map[id.SenderKey][]*OlmSession),
		outboundSessions: make(map[id.RoomID]*OutboundGroupSession),
		inboundSessions:  make(map[inboundSessionKey]*InboundGroupSession),
		messageIndices:   make(map[messageIndexKey]messageIndexValue),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
	return nil
}

func (s *MemoryStore) GetOlmSessions(_ context.Context, senderKey id.SenderKey) ([]*OlmSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*OlmSession, len(s.olmSessions[senderKey]))
	copy(sessions, s.olmSessions[senderKey])
	SortOlmSessions(sessions)
	return sessions, nil
}

func (s *MemoryStore) PutOlmSessions(_ context.Context, senderKey id.SenderKey, sessions []*OlmSession) error {
	snapshot := make([]*OlmSession, len(sessions))
	copy(snapshot, sessions)
	SortOlmSessions(snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.olmSessions[senderKey] = snapshot
	return nil
}

func (s *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outboundSessions[roomID], nil
}

func (s *MemoryStore) PutOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundSessions[session.RoomID] = session
	return nil
}

func (s *MemoryStore) DeleteOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outboundSessions, roomID)
	return nil
}

func (s *MemoryStore) GetInboundGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inboundSessions[inboundSessionKey{RoomID: roomID, SessionID: sessionID}], nil
}

func (s *MemoryStore) PutInboundGroupSession(_ context.Context, session *InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundSessions[inboundSessionKey{RoomID: session.RoomID, SessionID: session.ID()}] = session
	return nil
}

func (s *MemoryStore) ValidateMessageIndex(_ context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error) {
	key := messageIndexKey{RoomID: roomID, SessionID: sessionID, Index: index}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messageIndices[key]
	if !ok {
		s.messageIndices[key] = messageIndexValue{EventID: eventID, Timestamp: timestamp}
		return true, nil
	}
	return existing.EventID == eventID && existing.Timestamp == timestamp, nil
}

// SortOlmSessions orders sessions by last-used time descending so that the
// most recently used session is always tried first.
func SortOlmSessions(sessions []*OlmSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUsed.After(sessions[j].LastUsed)
	})
}
