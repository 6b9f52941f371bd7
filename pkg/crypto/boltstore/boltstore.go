// Package boltstore implements a durable crypto.Store on top of bbolt.
//
// Every session is stored as an encrypted pickle; the pickle key is derived
// from the caller-supplied passphrase with HKDF-SHA256, so the database file
// never contains plaintext ratchet state.
package boltstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"

	"github.com/lattice-im/lattice/pkg/crypto"
)

const (
	accountBucket        = "account"
	olmSessionsBucket    = "olm_sessions"
	outboundBucket       = "outbound_group_sessions"
	inboundBucket        = "inbound_group_sessions"
	messageIndicesBucket = "message_indices"
	accountKey           = "account"
	pickleKeyHKDFInfo    = "session pickle key"
	pickleKeyLength      = 32
)

// Store is a bbolt-backed crypto.Store.
type Store struct {
	db        *bolt.DB
	pickleKey []byte
}

var _ crypto.Store = (*Store)(nil)

// New opens (creating if necessary) the database at path. The pickle key for
// all stored ratchet state is derived from passphrase.
func New(path string, passphrase []byte) (*Store, error) {
	pickleKey := make([]byte, pickleKeyLength)
	kdf := hkdf.New(sha256.New, passphrase, nil, []byte(pickleKeyHKDFInfo))
	if _, err := io.ReadFull(kdf, pickleKey); err != nil {
		return nil, fmt.Errorf("failed to derive pickle key: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{accountBucket, olmSessionsBucket, outboundBucket, inboundBucket, messageIndicesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session database: %w", err)
	}
	return &Store{db: db, pickleKey: pickleKey}, nil
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) GetAccount(_ context.Context) (*crypto.Account, error) {
	var account *crypto.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(accountBucket)).Get([]byte(accountKey))
		if data == nil {
			return nil
		}
		var err error
		account, err = crypto.AccountFromPickled(data, s.pickleKey)
		return err
	})
	return account, err
}

func (s *Store) PutAccount(_ context.Context, account *crypto.Account) error {
	data, err := account.Pickle(s.pickleKey)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(accountBucket)).Put([]byte(accountKey), data)
	})
}

func (s *Store) GetOlmSessions(_ context.Context, senderKey id.SenderKey) ([]*crypto.OlmSession, error) {
	var sessions []*crypto.OlmSession
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(olmSessionsBucket)).Bucket([]byte(senderKey))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, data []byte) error {
			sess, err := crypto.OlmSessionFromPickled(data, s.pickleKey)
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	crypto.SortOlmSessions(sessions)
	return sessions, nil
}

func (s *Store) PutOlmSessions(_ context.Context, senderKey id.SenderKey, sessions []*crypto.OlmSession) error {
	pickled := make(map[string][]byte, len(sessions))
	for _, sess := range sessions {
		data, err := sess.Pickle(s.pickleKey)
		if err != nil {
			return err
		}
		pickled[sess.ID.String()] = data
	}
	// The whole per-key sub-bucket is replaced so the stored set always
	// matches exactly what the engine handed over.
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(olmSessionsBucket))
		if parent.Bucket([]byte(senderKey)) != nil {
			if err := parent.DeleteBucket([]byte(senderKey)); err != nil {
				return err
			}
		}
		bkt, err := parent.CreateBucket([]byte(senderKey))
		if err != nil {
			return err
		}
		for sessID, data := range pickled {
			if err := bkt.Put([]byte(sessID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*crypto.OutboundGroupSession, error) {
	var session *crypto.OutboundGroupSession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(outboundBucket)).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		var err error
		session, err = crypto.OutboundGroupSessionFromPickled(data, s.pickleKey)
		return err
	})
	return session, err
}

func (s *Store) PutOutboundGroupSession(_ context.Context, session *crypto.OutboundGroupSession) error {
	data, err := session.Pickle(s.pickleKey)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboundBucket)).Put([]byte(session.RoomID), data)
	})
}

func (s *Store) DeleteOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboundBucket)).Delete([]byte(roomID))
	})
}

func (s *Store) GetInboundGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*crypto.InboundGroupSession, error) {
	var session *crypto.InboundGroupSession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(inboundBucket)).Get(inboundKey(roomID, sessionID))
		if data == nil {
			return nil
		}
		var err error
		session, err = crypto.InboundGroupSessionFromPickled(data, s.pickleKey)
		return err
	})
	return session, err
}

func (s *Store) PutInboundGroupSession(_ context.Context, session *crypto.InboundGroupSession) error {
	data, err := session.Pickle(s.pickleKey)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inboundBucket)).Put(inboundKey(session.RoomID, session.ID()), data)
	})
}

type messageIndexEntry struct {
	EventID   id.EventID `json:"event_id"`
	Timestamp int64      `json:"origin_server_ts"`
}

func (s *Store) ValidateMessageIndex(_ context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error) {
	valid := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messageIndicesBucket))
		key := messageIndexKey(roomID, sessionID, index)
		if data := bkt.Get(key); data != nil {
			var existing messageIndexEntry
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			valid = existing.EventID == eventID && existing.Timestamp == timestamp
			return nil
		}
		data, err := json.Marshal(&messageIndexEntry{EventID: eventID, Timestamp: timestamp})
		if err != nil {
			return err
		}
		valid = true
		return bkt.Put(key, data)
	})
	return valid, err
}

// Composite keys use a NUL separator; neither room IDs nor session IDs can
// contain NUL bytes.
func inboundKey(roomID id.RoomID, sessionID id.SessionID) []byte {
	return bytes.Join([][]byte{[]byte(roomID), []byte(sessionID)}, []byte{0})
}

func messageIndexKey(roomID id.RoomID, sessionID id.SessionID, index uint) []byte {
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], uint64(index))
	return bytes.Join([][]byte{[]byte(roomID), []byte(sessionID), suffix[:]}, []byte{0})
}
