package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vault-mirror/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	// A second process holding the database open fails here instead of
	// blocking forever.
	stateOpenTimeout = 5 * time.Second

	// profileIDLen is the number of hex characters kept from the profile hash.
	profileIDLen = 16
)

var (
	profilesBucket = []byte("profiles")
	lastRunKey     = []byte("last_run")
)

func profileMetaBucket(profileID string) []byte {
	return []byte("profile:" + profileID + ":meta")
}

func profileRecordsBucket(profileID string) []byte {
	return []byte("profile:" + profileID + ":records")
}

// Record is the last-known sync state of one file. It is written only
// after a transfer of that path completed, so it never describes an
// in-flight copy.
type Record struct {
	Path       string `json:"path"`
	RemoteID   string `json:"remote_id"`
	LocalMTime int64  `json:"local_mtime"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	SyncedAt   int64  `json:"synced_at"`
}

// Profile identifies one local-root/remote-root pairing. Records are
// scoped to a profile so the same database can serve several mirrors.
type Profile struct {
	ID         string `json:"id"`
	LocalDir   string `json:"local_dir"`
	Backend    string `json:"backend"`
	RemoteRoot string `json:"remote_root"`
}

// LastRun summarizes the most recent completed run of a profile.
type LastRun struct {
	RunID      string `json:"run_id"`
	Direction  string `json:"direction"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Changed    int    `json:"changed"`
	Failed     int    `json:"failed"`
	Message    string `json:"message"`
}

// ProfileID derives a stable identifier from the pairing. The raw paths
// are hashed so bucket names stay short and filesystem-agnostic.
func ProfileID(localDir, backend, remoteRoot string) string {
	h := sha256.Sum256([]byte(backend + "\x00" + remoteRoot + "\x00" + localDir))
	return hex.EncodeToString(h[:])[:profileIDLen]
}

// State wraps a bbolt database for all persistent mirror state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.vault-mirror/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(profilesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// DefaultPath returns ~/.vault-mirror/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".vault-mirror", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// OpenProfile registers the profile if needed, ensures its buckets exist
// and returns a store scoped to it.
func (s *State) OpenProfile(p Profile) (*ProfileStore, error) {
	if p.ID == "" {
		p.ID = ProfileID(p.LocalDir, p.Backend, p.RemoteRoot)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		if err := tx.Bucket(profilesBucket).Put([]byte(p.ID), data); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(profileMetaBucket(p.ID)); err != nil {
			return err
		}

		_, err = tx.CreateBucketIfNotExists(profileRecordsBucket(p.ID))

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening profile %s: %w", p.ID, err)
	}

	return &ProfileStore{db: s.db, profile: p}, nil
}

// Profiles returns every registered profile.
func (s *State) Profiles() ([]Profile, error) {
	var profiles []Profile

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).ForEach(func(_, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}

			profiles = append(profiles, p)

			return nil
		})
	})

	return profiles, err
}

// ProfileStore is the metadata store of a single profile. Every method is
// one bbolt transaction, so a record is never partially written.
type ProfileStore struct {
	db      *bolt.DB
	profile Profile
}

// Profile returns the profile this store is scoped to.
func (p *ProfileStore) Profile() Profile {
	return p.profile
}

// Record returns the record for a path, or nil if none exists.
func (p *ProfileStore) Record(path string) (*Record, error) {
	var rec *Record

	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileRecordsBucket(p.profile.ID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		rec = &Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// PutRecord creates or overwrites the record for rec.Path.
func (p *ProfileStore) PutRecord(rec Record) error {
	if rec.Path == "" {
		return fmt.Errorf("record path must not be empty")
	}

	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileRecordsBucket(p.profile.ID))
		if b == nil {
			return fmt.Errorf("records bucket not initialized for profile %s", p.profile.ID)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Path), data)
	})
}

// DeleteRecord removes the record for a path. Missing records are not an
// error.
func (p *ProfileStore) DeleteRecord(path string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileRecordsBucket(p.profile.ID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})
}

// AllRecords returns every record of the profile keyed by path.
func (p *ProfileStore) AllRecords() (map[string]Record, error) {
	result := make(map[string]Record)

	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileRecordsBucket(p.profile.ID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// ClearRecords drops every record of the profile. The next run then
// treats every file as never synced.
func (p *ProfileStore) ClearRecords() error {
	return p.db.Update(func(tx *bolt.Tx) error {
		name := profileRecordsBucket(p.profile.ID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		_, err := tx.CreateBucket(name)

		return err
	})
}

// RecordCount returns the number of records stored for the profile.
func (p *ProfileStore) RecordCount() int {
	count := 0
	_ = p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileRecordsBucket(p.profile.ID))
		if b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count
}

// LastRun returns the most recent run summary, or nil if the profile has
// never completed a run.
func (p *ProfileStore) LastRun() (*LastRun, error) {
	var lr *LastRun

	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileMetaBucket(p.profile.ID))
		if b == nil {
			return nil
		}

		v := b.Get(lastRunKey)
		if v == nil {
			return nil
		}

		lr = &LastRun{}

		return json.Unmarshal(v, lr)
	})

	return lr, err
}

// SetLastRun persists the summary of a finished run.
func (p *ProfileStore) SetLastRun(lr LastRun) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(profileMetaBucket(p.profile.ID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(lr)
		if err != nil {
			return err
		}

		return b.Put(lastRunKey, data)
	})
}
