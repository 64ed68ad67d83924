// Package securechannel terminates end-to-end encrypted sessions between wallet
// clients and the enclave, so that the untrusted host relaying requests never
// sees share material or PIN inputs.
//
// Sessions use the Noise NK pattern: the client knows one of the enclave's
// static X25519 keys in advance and completes the handshake in a single round
// trip. After that each direction has its own ChaCha20-Poly1305 cipher state
// with an independent nonce counter.
package securechannel

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CipherSuite is the only suite the enclave speaks.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	ErrSessionNotFound       = errors.New("secure channel session not found")
	ErrSessionNotEstablished = errors.New("secure channel session not established")
	ErrHandshake             = errors.New("secure channel handshake failed")
	ErrUnknownStaticKey      = errors.New("unknown server static key")
	ErrRateLimited           = errors.New("too many handshakes")
	ErrUnseal                = errors.New("secure channel payload authentication failed")
)

// State of a session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "uninitialized"
	}
}

// Config controls session limits.
type Config struct {
	// StaticKeys are the enclave identities clients may address. At least one is required.
	StaticKeys []noise.DHKey
	// SessionTTL bounds how long an idle or active session stays usable.
	SessionTTL time.Duration
	// MaxSessions caps the table; the oldest session is evicted to make room.
	MaxSessions int
	// HandshakeRate and HandshakeBurst configure the handshake token bucket.
	HandshakeRate  rate.Limit
	HandshakeBurst int
}

func DefaultConfig() Config {
	return Config{
		SessionTTL:     15 * time.Minute,
		MaxSessions:    4096,
		HandshakeRate:  20,
		HandshakeBurst: 40,
	}
}

type session struct {
	mu      sync.Mutex
	state   State
	created time.Time

	// recv decrypts initiator-to-responder traffic, send encrypts the reverse.
	recv *noise.CipherState
	send *noise.CipherState
}

// Manager owns the session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	statics map[string]noise.DHKey
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// NewManager creates a manager. Zero-valued limits fall back to DefaultConfig.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.StaticKeys) == 0 {
		return nil, errors.New("at least one static key is required")
	}

	defaults := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = defaults.HandshakeRate
	}
	if cfg.HandshakeBurst <= 0 {
		cfg.HandshakeBurst = defaults.HandshakeBurst
	}

	statics := make(map[string]noise.DHKey, len(cfg.StaticKeys))
	for _, kp := range cfg.StaticKeys {
		if len(kp.Private) != 32 || len(kp.Public) != 32 {
			return nil, errors.New("static keys must be 32-byte X25519 keypairs")
		}
		statics[hex.EncodeToString(kp.Public)] = kp
	}

	return &Manager{
		sessions: make(map[string]*session),
		statics:  statics,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
		now:      time.Now,
	}, nil
}

// GenerateStaticKey creates a fresh X25519 identity.
func GenerateStaticKey() (noise.DHKey, error) {
	return CipherSuite.GenerateKeypair(rand.Reader)
}

// StaticKeyFromPrivate rebuilds a keypair from a 32-byte private key.
func StaticKeyFromPrivate(private []byte) (noise.DHKey, error) {
	if len(private) != 32 {
		return noise.DHKey{}, fmt.Errorf("static private key must be 32 bytes, got %d", len(private))
	}
	return noise.DH25519.GenerateKeypair(bytes.NewReader(private))
}

// StaticPublicKeys lists the identities the enclave answers for.
func (m *Manager) StaticPublicKeys() [][]byte {
	keys := make([][]byte, 0, len(m.statics))
	for _, kp := range m.statics {
		keys = append(keys, bytes.Clone(kp.Public))
	}
	return keys
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Initiate answers a client's first handshake message and returns the
// response together with the new session id. The handshake is either
// completed or the session is discarded.
func (m *Manager) Initiate(serverStaticPub, handshakeMsg []byte) ([]byte, string, error) {
	kp, found := m.statics[hex.EncodeToString(serverStaticPub)]
	if !found {
		return nil, "", fmt.Errorf("%w: %w", ErrHandshake, ErrUnknownStaticKey)
	}
	if !m.limiter.Allow() {
		return nil, "", ErrRateLimited
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeNK,
		Initiator:     false,
		StaticKeypair: kp,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	id := uuid.NewString()
	s := &session{state: StateHandshaking, created: m.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.insert(id, s)

	if _, _, _, err := hs.ReadMessage(nil, handshakeMsg); err != nil {
		m.remove(id)
		return nil, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	response, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil || cs1 == nil || cs2 == nil {
		m.remove(id)
		return nil, "", fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}

	s.recv, s.send = cs1, cs2
	s.state = StateEstablished
	return response, id, nil
}

// Seal encrypts a response for the session's initiator.
func (m *Manager) Seal(sessionID string, plaintext []byte) ([]byte, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionNotEstablished
	}
	return s.send.Encrypt(nil, nil, plaintext)
}

// Unseal decrypts a request from the session's initiator. A failed
// authentication leaves the receive counter untouched.
func (m *Manager) Unseal(sessionID string, ciphertext []byte) ([]byte, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionNotEstablished
	}
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return plaintext, nil
}

// Close drops a session.
func (m *Manager) Close(sessionID string) {
	m.remove(sessionID)
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, found := m.sessions[id]
	m.mu.RUnlock()
	if !found {
		return nil, ErrSessionNotFound
	}

	if m.now().Sub(s.created) > m.cfg.SessionTTL {
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) insert(id string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for sid, other := range m.sessions {
		if now.Sub(other.created) > m.cfg.SessionTTL {
			delete(m.sessions, sid)
		}
	}
	for len(m.sessions) >= m.cfg.MaxSessions {
		var oldestID string
		var oldest time.Time
		for sid, other := range m.sessions {
			if oldestID == "" || other.created.Before(oldest) {
				oldestID, oldest = sid, other.created
			}
		}
		delete(m.sessions, oldestID)
	}
	m.sessions[id] = s
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
