// Package fetchwal gives cmd/fetchd a crash-safe mirror of the two bits of
// state this core is worth persisting across restarts: the HostBlacklist
// and a snapshot of live workers' priorities (spec SPEC_FULL §5, §6.7).
// The pattern -- a writeaheadlog.WAL guarding updates applied to a bolt.DB
// -- is lifted from modules/renter/siadir/persist.go's
// managedCreateAndApplyTransaction idiom.
package fetchwal

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"

	"github.com/NebulousLabs/texturefetch/pkg/fetch"
)

const (
	updateBlacklistPutName    = "blacklist put"
	updateBlacklistDeleteName = "blacklist delete"
	updatePrioritySetName     = "priority set"

	walFileName = "fetch.wal"
	dbFileName  = "fetch.db"
)

var (
	bucketBlacklist = []byte("blacklist")
	bucketPriority  = []byte("prioritysnapshot")
)

// Store is a durable, crash-safe mirror of HostBlacklist entries and the
// worker priority snapshot, backed by a writeaheadlog.WAL over a bolt.DB
// (spec SPEC_FULL §2, §6.7).
type Store struct {
	wal *writeaheadlog.WAL
	db  *bolt.DB
}

// OpenStore opens (creating if necessary) the WAL and database rooted at
// dir, replays any updates left unapplied by an unclean shutdown, and
// returns a ready Store.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "failed to create fetchwal directory")
	}

	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open fetchwal database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlacklist); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPriority)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "failed to create fetchwal buckets")
	}

	wal, unapplied, err := writeaheadlog.New(filepath.Join(dir, walFileName))
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "failed to open fetchwal log")
	}

	s := &Store{wal: wal, db: db}
	if len(unapplied) > 0 {
		if err := s.apply(unapplied...); err != nil {
			db.Close()
			return nil, errors.AddContext(err, "failed to replay unapplied fetchwal updates")
		}
	}
	return s, nil
}

// Close releases the underlying WAL and database handles.
func (s *Store) Close() error {
	return errors.Compose(s.wal.Close(), s.db.Close())
}

// managedCreateAndApplyTransaction creates a WAL transaction for updates,
// applies them, and signals completion -- mirroring siadir.go's helper of
// the same shape.
func (s *Store) managedCreateAndApplyTransaction(updates ...writeaheadlog.Update) error {
	txn, err := s.wal.NewTransaction(updates)
	if err != nil {
		return errors.AddContext(err, "failed to create wal txn")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to signal setup completion")
	}
	if err := s.apply(updates...); err != nil {
		return errors.AddContext(err, "failed to apply updates")
	}
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "failed to signal updates applied")
	}
	return nil
}

// apply performs the bbolt-side effect of a batch of updates in a single
// transaction.
func (s *Store) apply(updates ...writeaheadlog.Update) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, u := range updates {
			var err error
			switch u.Name {
			case updateBlacklistPutName:
				err = tx.Bucket(bucketBlacklist).Put(instructionKeyBytes(u.Instructions), u.Instructions)
			case updateBlacklistDeleteName:
				err = tx.Bucket(bucketBlacklist).Delete(u.Instructions)
			case updatePrioritySetName:
				err = tx.Bucket(bucketPriority).Put(instructionKeyBytes(u.Instructions), u.Instructions)
			default:
				err = errors.New("fetchwal: update not recognized: " + u.Name)
			}
			if err != nil {
				return errors.AddContext(err, "failed to apply update "+u.Name)
			}
		}
		return nil
	})
}

// instructionKeyLen reads the big-endian uint16 key-length prefix this
// package writes ahead of every JSON instructions payload and returns the
// offset where the JSON begins (2 plus the key length), or 0 if b is too
// short, so the bucket key can be recovered without a second decode pass.
// See encodeKeyed/decodeKeyed.
func instructionKeyLen(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	n := int(b[0])<<8 | int(b[1])
	if n > len(b)-2 {
		return 0
	}
	return n + 2
}

// instructionKeyBytes extracts just the key portion (without the
// length prefix) from an encodeKeyed blob, for use as a bucket key.
func instructionKeyBytes(b []byte) []byte {
	n := instructionKeyLen(b)
	if n < 2 {
		return nil
	}
	return b[2:n]
}

// encodeKeyed packs key and value into one instructions blob: a two-byte
// big-endian key length, the key bytes, then the JSON-encoded value --
// so apply() can Put the correct bucket key without unmarshalling twice.
func encodeKeyed(key string, value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(key)+len(data))
	out[0] = byte(len(key) >> 8)
	out[1] = byte(len(key))
	copy(out[2:], key)
	copy(out[2+len(key):], data)
	return out, nil
}

func decodeKeyed(b []byte, value interface{}) (key string, err error) {
	n := instructionKeyLen(b)
	if n < 2 {
		return "", errors.New("fetchwal: malformed keyed instructions")
	}
	key = string(b[2:n])
	return key, json.Unmarshal(b[n:], value)
}

// PutBlacklist durably mirrors a single HostBlacklist entry, intended to
// be wired as the argument to (*fetch.HostBlacklist).OnPersist.
func (s *Store) PutBlacklist(rec fetch.BlacklistRecord) error {
	instr, err := encodeKeyed(rec.Prefix, rec)
	if err != nil {
		return errors.AddContext(err, "failed to encode blacklist update")
	}
	return s.managedCreateAndApplyTransaction(writeaheadlog.Update{
		Name:         updateBlacklistPutName,
		Instructions: instr,
	})
}

// DeleteBlacklist removes a swept entry from the durable mirror.
func (s *Store) DeleteBlacklist(prefix string) error {
	return s.managedCreateAndApplyTransaction(writeaheadlog.Update{
		Name:         updateBlacklistDeleteName,
		Instructions: []byte(prefix),
	})
}

// OnBlacklistPersist returns a callback suitable for
// (*fetch.HostBlacklist).OnPersist: it mirrors adds/renewals and removals
// into the store. Persistence failures are best-effort and do not block
// the in-memory blacklist; each failure is passed to onErr (if non-nil)
// and otherwise dropped -- we simply avoid ever panicking on a disk
// hiccup, matching the teacher's
// preference for availability over durability for this kind of ancillary
// state.
func (s *Store) OnBlacklistPersist(onErr func(error)) func(rec fetch.BlacklistRecord, removed bool) {
	return func(rec fetch.BlacklistRecord, removed bool) {
		var err error
		if removed {
			err = s.DeleteBlacklist(rec.Prefix)
		} else {
			err = s.PutBlacklist(rec)
		}
		if err != nil && onErr != nil {
			onErr(errors.AddContext(err, "fetchwal: failed to persist blacklist update"))
		}
	}
}

// LoadBlacklist replays the durably mirrored blacklist entries, for
// fetchd startup (before (*fetch.HostBlacklist).RestoreRecords).
func (s *Store) LoadBlacklist() ([]fetch.BlacklistRecord, error) {
	var out []fetch.BlacklistRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlacklist).ForEach(func(_, v []byte) error {
			var rec fetch.BlacklistRecord
			if _, err := decodeKeyed(v, &rec); err != nil {
				return errors.AddContext(err, "failed to decode blacklist record")
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.AddContext(err, "failed to load blacklist")
	}
	return out, nil
}

// SavePrioritySnapshot writes each record into the durable priority
// snapshot, replacing any stored record for the same asset id; records for
// other ids are left in place. Called on every snapshot tick of
// cmd/fetchd's main loop.
func (s *Store) SavePrioritySnapshot(records []fetch.PriorityRecord) error {
	updates := make([]writeaheadlog.Update, 0, len(records))
	for _, r := range records {
		instr, err := encodeKeyed(r.ID.String(), r)
		if err != nil {
			return errors.AddContext(err, "failed to encode priority record")
		}
		updates = append(updates, writeaheadlog.Update{
			Name:         updatePrioritySetName,
			Instructions: instr,
		})
	}
	if len(updates) == 0 {
		return nil
	}
	return s.managedCreateAndApplyTransaction(updates...)
}

// LoadPrioritySnapshot replays the persisted priority snapshot, for
// fetchd startup (before (*fetch.FetchEngine).RestorePriority, once the
// caller's create_request calls have repopulated workers).
func (s *Store) LoadPrioritySnapshot() ([]fetch.PriorityRecord, error) {
	var out []fetch.PriorityRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPriority).ForEach(func(_, v []byte) error {
			var rec fetch.PriorityRecord
			if _, err := decodeKeyed(v, &rec); err != nil {
				return errors.AddContext(err, "failed to decode priority record")
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.AddContext(err, "failed to load priority snapshot")
	}
	return out, nil
}
