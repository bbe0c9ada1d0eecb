package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	packagesBucket      = "packages"
	modulesBucket       = "modules"
	confirmationsBucket = "confirmations"
)

var errNotOpen = errors.New("db not open")

type BoltStore struct {
	path string
	db   *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("inventory path is required")
	}
	return &BoltStore{path: path}, nil
}

func (s *BoltStore) Open() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open inventory %s: %w", s.path, err)
	}
	s.db = db
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{packagesBucket, modulesBucket, confirmationsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetPackages returns all installed packages sorted by name (may be empty).
func (s *BoltStore) GetPackages() ([]Package, error) {
	out := []Package{}
	if s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(packagesBucket)).ForEach(func(k, v []byte) error {
			var p Package
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s *BoltStore) GetPackage(name string) (Package, error) {
	var p Package
	if s.db == nil {
		return p, errNotOpen
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(packagesBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("package %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(v, &p)
	})
	return p, err
}

func (s *BoltStore) SavePackage(p Package) error {
	if s.db == nil {
		return errNotOpen
	}
	if p.Name == "" {
		return errors.New("package name is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(packagesBucket)).Put([]byte(p.Name), data)
	})
}

func (s *BoltStore) DeletePackage(name string) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(packagesBucket))
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("package %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) NextModuleID() (int64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket([]byte(modulesBucket)).NextSequence()
		id = seq
		return err
	})
	return int64(id), err
}

func (s *BoltStore) GetConfirmations() ([]Confirmation, error) {
	out := []Confirmation{}
	if s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(confirmationsBucket)).ForEach(func(k, v []byte) error {
			var c Confirmation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveConfirmation(c Confirmation) error {
	if s.db == nil {
		return errNotOpen
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(confirmationsBucket)).Put(jobKey(c.JobID), data)
	})
}

func (s *BoltStore) DeleteConfirmation(jobID int64) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(confirmationsBucket)).Delete(jobKey(jobID))
	})
}

// jobKey encodes job ids big-endian so ForEach yields them in order
func jobKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
