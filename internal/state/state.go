// Package state persists all local client state: the access token
// (encrypted at rest), the cached user role, the per-installation
// device ID, and the cookie jar contents, in a single bbolt database
// under an app-private directory.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// saltLen is the random salt length in bytes for key derivation.
	saltLen = 16
)

var (
	appBucket    = []byte("app")
	cookieBucket = []byte("cookies")

	saltKey     = []byte("salt")
	tokenKey    = []byte("token")
	roleKey     = []byte("role")
	deviceIDKey = []byte("device_id")
)

// Store wraps a bbolt database for all persistent client state.
// The access token is cached in memory after the first read and
// encrypted before it reaches disk.
type Store struct {
	db  *bolt.DB
	box *box

	mu          sync.RWMutex
	token       string
	tokenCached bool
}

// Open opens the state database at the given path, creating it if it
// does not exist. The passphrase protects the access token at rest; a
// random salt is generated on first open and stored alongside.
func Open(path, passphrase string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt string

	err = db.Update(func(tx *bolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(cookieBucket); err != nil {
			return err
		}

		if v := app.Get(saltKey); v != nil {
			salt = string(v)
			return nil
		}

		raw := make([]byte, saltLen)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		salt = hex.EncodeToString(raw)

		return app.Put(saltKey, []byte(salt))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	b, err := newBox(key)
	zeroKey(key)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, box: b}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the access token, or empty string if none is stored.
// The decrypted value is cached in memory after the first read.
func (s *Store) Token() (string, error) {
	s.mu.RLock()
	if s.tokenCached {
		token := s.token
		s.mu.RUnlock()

		return token, nil
	}
	s.mu.RUnlock()

	var sealed []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			sealed = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	token := ""

	if sealed != nil {
		plain, err := s.box.open(sealed)
		if err != nil {
			return "", fmt.Errorf("unsealing token: %w", err)
		}

		token = string(plain)
	}

	s.mu.Lock()
	s.token = token
	s.tokenCached = true
	s.mu.Unlock()

	return token, nil
}

// SetToken encrypts and persists the access token, overwriting any
// previous value. Idempotent.
func (s *Store) SetToken(token string) error {
	sealed, err := s.box.seal([]byte(token))
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, sealed)
	})
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.tokenCached = true
	s.mu.Unlock()

	return nil
}

// ClearToken removes the cached and persisted access token.
func (s *Store) ClearToken() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
	if err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}

	s.mu.Lock()
	s.token = ""
	s.tokenCached = true
	s.mu.Unlock()

	return nil
}

// HasToken reports whether a non-empty access token is stored.
func (s *Store) HasToken() bool {
	token, err := s.Token()

	return err == nil && token != ""
}

// Role returns the cached user role, or empty string if none.
func (s *Store) Role() (string, error) {
	var role string

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(roleKey); v != nil {
			role = string(v)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading role: %w", err)
	}

	return role, nil
}

// SetRole persists the user role.
func (s *Store) SetRole(role string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(roleKey, []byte(role))
	})
	if err != nil {
		return fmt.Errorf("saving role: %w", err)
	}

	return nil
}

// ClearRole removes the cached user role.
func (s *Store) ClearRole() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(roleKey)
	})
	if err != nil {
		return fmt.Errorf("clearing role: %w", err)
	}

	return nil
}

// DeviceID returns the per-installation device identifier, generating
// and persisting a fresh UUID on first call.
func (s *Store) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)

		if v := app.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return app.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

// SetCookieEntries persists the serialized cookies for a host.
func (s *Store) SetCookieEntries(host string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cookieBucket)

		if data == nil {
			return b.Delete([]byte(host))
		}

		return b.Put([]byte(host), data)
	})
	if err != nil {
		return fmt.Errorf("saving cookies for %s: %w", host, err)
	}

	return nil
}

// CookieEntries returns all persisted cookie data keyed by host.
func (s *Store) CookieEntries() (map[string][]byte, error) {
	result := make(map[string][]byte)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cookieBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	return result, nil
}

// ClearCookies removes all persisted cookie data.
func (s *Store) ClearCookies() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(cookieBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(cookieBucket)

		return err
	})
	if err != nil {
		return fmt.Errorf("clearing cookies: %w", err)
	}

	return nil
}
