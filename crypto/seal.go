package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption. A fresh nonce is required
// for every sealing operation.
type Nonce [24]byte

// MaxMessageSize bounds plaintext size (1MB) to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateSymmetricKey creates a random 32-byte key for secretbox sealing.
// Used as the ephemeral body key in shared-key mode.
func GenerateSymmetricKey() ([32]byte, error) {
	var key [32]byte
	_, err := rand.Read(key[:])
	if err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

// Seal encrypts a message for a single recipient using authenticated
// public-key encryption.
func Seal(message []byte, nonce Nonce, recipientPK [32]byte, senderSK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}
	if isZeroKey(recipientPK) {
		return nil, errors.New("invalid recipient key: all zeros")
	}

	encrypted := box.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&senderSK))
	return encrypted, nil
}

// SealSymmetric encrypts a message using a symmetric key.
func SealSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))
	return out, nil
}
