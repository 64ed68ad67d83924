package securechannel

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// Initiator is the client half of a session. Wallet clients and tests use it
// to talk to a Manager.
type Initiator struct {
	hs   *noise.HandshakeState
	send *noise.CipherState
	recv *noise.CipherState
}

// NewInitiator starts a handshake against the given enclave static key and
// returns the first message to send.
func NewInitiator(serverStaticPub []byte) (*Initiator, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: CipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNK,
		Initiator:   true,
		PeerStatic:  serverStaticPub,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return &Initiator{hs: hs}, msg, nil
}

// Complete consumes the enclave's handshake response.
func (i *Initiator) Complete(response []byte) error {
	if i.hs == nil {
		return fmt.Errorf("%w: handshake already completed", ErrHandshake)
	}
	_, cs1, cs2, err := i.hs.ReadMessage(nil, response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if cs1 == nil || cs2 == nil {
		return fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}
	i.send, i.recv, i.hs = cs1, cs2, nil
	return nil
}

func (i *Initiator) Seal(plaintext []byte) ([]byte, error) {
	if i.send == nil {
		return nil, ErrSessionNotEstablished
	}
	return i.send.Encrypt(nil, nil, plaintext)
}

func (i *Initiator) Unseal(ciphertext []byte) ([]byte, error) {
	if i.recv == nil {
		return nil, ErrSessionNotEstablished
	}
	plaintext, err := i.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return plaintext, nil
}
