// Package encrypt selects and applies the per-message encryption strategy.
//
// Small recipient sets are sealed once per recipient (encrypt-to-all);
// larger sets are sealed once with an ephemeral symmetric key which is then
// wrapped per recipient (shared-key mode). The mode is a pure function of
// the recipient-set size at send time.
package encrypt

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/crypto"
)

// SharedKeyThreshold is the largest recipient set still encrypted
// per-recipient. Above it, shared-key mode bounds the cost to one body
// encryption plus one small key wrap per recipient.
const SharedKeyThreshold = 8

// Mode identifies the encryption strategy applied to a message.
type Mode uint8

const (
	// ModeEncryptToAll seals the full message body once per recipient.
	ModeEncryptToAll Mode = iota
	// ModeSharedKey seals the body once with an ephemeral symmetric key and
	// wraps that key once per recipient.
	ModeSharedKey
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeEncryptToAll:
		return "encrypt-to-all"
	case ModeSharedKey:
		return "shared-key"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ModeForRecipients returns the strategy for a recipient set of the given
// size. Recomputed on every send; historical messages keep the mode they
// were sealed under.
func ModeForRecipients(count int) Mode {
	if count <= SharedKeyThreshold {
		return ModeEncryptToAll
	}
	return ModeSharedKey
}

// RecipientKey pairs a recipient's JID with their public key.
type RecipientKey struct {
	JID       string
	PublicKey [32]byte
}

// RecipientError reports an encryption failure scoped to a single
// recipient. Sibling recipients of the same message are unaffected.
type RecipientError struct {
	JID string
	Err error
}

// Error implements the error interface.
func (e *RecipientError) Error() string {
	return fmt.Sprintf("encrypt for %s: %v", e.JID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RecipientError) Unwrap() error { return e.Err }

// ErrNoRecipients indicates an empty recipient set.
var ErrNoRecipients = errors.New("no recipients")

// ErrAllRecipientsFailed indicates that no recipient could be sealed for.
var ErrAllRecipientsFailed = errors.New("encryption failed for every recipient")

// Router chooses and applies the per-message encryption strategy using the
// local device's key pair.
type Router struct {
	keys *crypto.KeyPair
}

// NewRouter creates a router sealing on behalf of the given key pair.
func NewRouter(keys *crypto.KeyPair) *Router {
	return &Router{keys: keys}
}

// EncryptForRecipients seals plaintext for every recipient, choosing the
// mode from the recipient count. A missing or invalid key fails only that
// recipient; the remaining ciphertexts are still produced. The returned
// slice carries the per-recipient failures, which is empty on full success.
func (r *Router) EncryptForRecipients(plaintext []byte, recipients []RecipientKey) (*Payload, []RecipientError, error) {
	if len(plaintext) == 0 {
		return nil, nil, errors.New("empty plaintext")
	}
	if len(recipients) == 0 {
		return nil, nil, ErrNoRecipients
	}

	mode := ModeForRecipients(len(recipients))
	logrus.WithFields(logrus.Fields{
		"recipients": len(recipients),
		"mode":       mode.String(),
	}).Debug("Selecting encryption mode")

	var (
		payload *Payload
		failed  []RecipientError
		err     error
	)
	switch mode {
	case ModeEncryptToAll:
		payload, failed, err = r.encryptToAll(plaintext, recipients)
	default:
		payload, failed, err = r.encryptSharedKey(plaintext, recipients)
	}
	if err != nil {
		return nil, failed, err
	}

	if len(failed) > 0 {
		logrus.WithFields(logrus.Fields{
			"failed": len(failed),
			"total":  len(recipients),
		}).Warn("Some recipients could not be sealed for")
	}
	return payload, failed, nil
}

// encryptToAll seals the full body once per recipient.
func (r *Router) encryptToAll(plaintext []byte, recipients []RecipientKey) (*Payload, []RecipientError, error) {
	payload := &Payload{
		Mode:      ModeEncryptToAll,
		SenderKey: r.keys.Public,
		Copies:    make(map[string]SealedCopy, len(recipients)),
	}

	var failed []RecipientError
	for _, recipient := range recipients {
		nonce, err := crypto.GenerateNonce()
		if err != nil {
			return nil, failed, fmt.Errorf("failed to generate nonce: %w", err)
		}

		ciphertext, err := crypto.Seal(plaintext, nonce, recipient.PublicKey, r.keys.Private)
		if err != nil {
			failed = append(failed, RecipientError{JID: recipient.JID, Err: err})
			continue
		}
		payload.Copies[recipient.JID] = SealedCopy{Nonce: nonce, Ciphertext: ciphertext}
	}

	if len(payload.Copies) == 0 {
		return nil, failed, ErrAllRecipientsFailed
	}
	return payload, failed, nil
}

// encryptSharedKey seals the body once under an ephemeral symmetric key and
// wraps that key for each recipient.
func (r *Router) encryptSharedKey(plaintext []byte, recipients []RecipientKey) (*Payload, []RecipientError, error) {
	bodyKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate body key: %w", err)
	}
	bodyNonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	body, err := crypto.SealSymmetric(plaintext, bodyNonce, bodyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal body: %w", err)
	}

	payload := &Payload{
		Mode:      ModeSharedKey,
		SenderKey: r.keys.Public,
		Body:      body,
		BodyNonce: bodyNonce,
		Keys:      make(map[string]WrappedKey, len(recipients)),
	}

	var failed []RecipientError
	for _, recipient := range recipients {
		nonce, err := crypto.GenerateNonce()
		if err != nil {
			return nil, failed, fmt.Errorf("failed to generate nonce: %w", err)
		}

		wrapped, err := crypto.Seal(bodyKey[:], nonce, recipient.PublicKey, r.keys.Private)
		if err != nil {
			failed = append(failed, RecipientError{JID: recipient.JID, Err: err})
			continue
		}
		payload.Keys[recipient.JID] = WrappedKey{Nonce: nonce, Wrapped: wrapped}
	}

	if len(payload.Keys) == 0 {
		return nil, failed, ErrAllRecipientsFailed
	}
	return payload, failed, nil
}
