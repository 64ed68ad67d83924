package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/tee-wallet-enclave/interfaces"
	"golang.org/x/sync/singleflight"
)

// IntegrityKeyID is the reserved cache identifier of the integrity key.
const IntegrityKeyID = "integrity-key"

var (
	// ErrKeyMismatch is returned when an identifier is already bound to different key bytes.
	ErrKeyMismatch = errors.New("key identifier already bound to a different key")

	// ErrIntegrityKeyNotLoaded is returned by operations that need the integrity key before it was loaded.
	ErrIntegrityKeyNotLoaded = errors.New("integrity key not loaded")

	// ErrReservedKeyID is returned when a caller tries to use the integrity key id as a DEK id.
	ErrReservedKeyID = errors.New("key identifier is reserved")

	// ErrEmptyKey is returned when a KMS or caller supplies zero-length key bytes.
	ErrEmptyKey = errors.New("empty key material")
)

// KeyNotFoundError reports an unknown DEK identifier. The id is safe to
// return to callers so they can decide to load-secret first.
type KeyNotFoundError struct {
	ID string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found", e.ID)
}

// KeyCache holds raw symmetric keys for the life of the process. It is the
// only place unwrapped DEKs and the integrity key live.
//
// Lookups share a read lock. Inserts take the write lock and re-check for an
// existing value before committing, so two racing first loads of the same id
// can never leave two different "correct" keys behind. Concurrent KMS loads
// of one id are additionally coalesced into a single remote call.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[string][]byte

	kms   interfaces.KMS
	loads singleflight.Group
}

// NewKeyCache creates an empty cache backed by the given KMS.
func NewKeyCache(kms interfaces.KMS) *KeyCache {
	return &KeyCache{
		keys: make(map[string][]byte),
		kms:  kms,
	}
}

// Get returns a copy of the key bound to id.
func (c *KeyCache) Get(id string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, found := c.keys[id]
	if !found {
		return nil, &KeyNotFoundError{ID: id}
	}
	return bytes.Clone(key), nil
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// InsertIfAbsentOrMatching binds id to key. Re-inserting identical bytes is a
// no-op; different bytes are rejected with ErrKeyMismatch.
func (c *KeyCache) InsertIfAbsentOrMatching(id string, key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, found := c.keys[id]; found {
		if !bytes.Equal(existing, key) {
			return fmt.Errorf("%w: %s", ErrKeyMismatch, id)
		}
		return nil
	}

	c.keys[id] = bytes.Clone(key)
	return nil
}

// GetOrLoad returns the key bound to id, asking the KMS to unwrap it on the
// first request. The KMS is queried at most once per id for as long as the
// result is cached.
func (c *KeyCache) GetOrLoad(ctx context.Context, id string, params interfaces.KMSParams) ([]byte, error) {
	if key, err := c.Get(id); err == nil {
		return key, nil
	}
	if c.kms == nil {
		return nil, fmt.Errorf("%w: no kms configured", interfaces.ErrKMSUnavailable)
	}

	v, err, _ := c.loads.Do(id, func() (interface{}, error) {
		if key, err := c.Get(id); err == nil {
			return key, nil
		}

		key, err := c.kms.Decrypt(ctx, params)
		if err != nil {
			return nil, err
		}
		if err := c.InsertIfAbsentOrMatching(id, key); err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v.([]byte)), nil
}

// LoadSecret loads a DEK through the KMS. The integrity key id is reserved.
func (c *KeyCache) LoadSecret(ctx context.Context, dekID string, params interfaces.KMSParams) error {
	if dekID == IntegrityKeyID {
		return ErrReservedKeyID
	}
	_, err := c.GetOrLoad(ctx, dekID, params)
	return err
}

// LoadIntegrityKey unwraps the integrity key through the KMS on every call,
// so a load whose key differs from the cached one fails with ErrKeyMismatch.
func (c *KeyCache) LoadIntegrityKey(ctx context.Context, params interfaces.KMSParams) error {
	if c.kms == nil {
		return fmt.Errorf("%w: no kms configured", interfaces.ErrKMSUnavailable)
	}
	key, err := c.kms.Decrypt(ctx, params)
	if err != nil {
		return err
	}
	return c.InsertIfAbsentOrMatching(IntegrityKeyID, key)
}

// SetIntegrityKey binds raw integrity key bytes, e.g. the well-known test key.
func (c *KeyCache) SetIntegrityKey(key []byte) error {
	return c.InsertIfAbsentOrMatching(IntegrityKeyID, key)
}

// IntegrityKey returns the integrity key or ErrIntegrityKeyNotLoaded.
func (c *KeyCache) IntegrityKey() ([]byte, error) {
	key, err := c.Get(IntegrityKeyID)
	if err != nil {
		return nil, ErrIntegrityKeyNotLoaded
	}
	return key, nil
}

// DEK returns a data-encryption key. Asking for the integrity key through
// this accessor is treated as an unknown DEK.
func (c *KeyCache) DEK(id string) ([]byte, error) {
	if id == IntegrityKeyID {
		return nil, &KeyNotFoundError{ID: id}
	}
	return c.Get(id)
}
