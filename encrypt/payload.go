package encrypt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bertvancapelle/CommEazy-sub007/crypto"
)

// SealedCopy is one recipient's full-body ciphertext in encrypt-to-all mode.
type SealedCopy struct {
	Nonce      crypto.Nonce `json:"nonce"`
	Ciphertext []byte       `json:"ciphertext"`
}

// WrappedKey is one recipient's wrapped ephemeral body key in shared-key mode.
type WrappedKey struct {
	Nonce   crypto.Nonce `json:"nonce"`
	Wrapped []byte       `json:"wrapped"`
}

// Payload is the complete encrypted form of one message, covering every
// recipient it was sealed for. It never contains plaintext and is what the
// outbox persists.
type Payload struct {
	Mode      Mode                  `json:"mode"`
	SenderKey [32]byte              `json:"sender_key"`
	Copies    map[string]SealedCopy `json:"copies,omitempty"`
	Body      []byte                `json:"body,omitempty"`
	BodyNonce crypto.Nonce          `json:"body_nonce,omitempty"`
	Keys      map[string]WrappedKey `json:"keys,omitempty"`
}

// RecipientPayload is the slice of a Payload addressed to one recipient;
// this is what actually travels over the transport.
type RecipientPayload struct {
	Mode      Mode         `json:"mode"`
	SenderKey [32]byte     `json:"sender_key"`
	Nonce     crypto.Nonce `json:"nonce"`
	// Ciphertext is the sealed body in encrypt-to-all mode, or the wrapped
	// body key in shared-key mode.
	Ciphertext []byte       `json:"ciphertext"`
	Body       []byte       `json:"body,omitempty"`
	BodyNonce  crypto.Nonce `json:"body_nonce,omitempty"`
}

// Marshal serializes the payload for persistence in the outbox.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload restores a payload persisted by Marshal.
func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}

// Recipients lists every JID the payload was successfully sealed for.
func (p *Payload) Recipients() []string {
	var jids []string
	switch p.Mode {
	case ModeEncryptToAll:
		for jid := range p.Copies {
			jids = append(jids, jid)
		}
	case ModeSharedKey:
		for jid := range p.Keys {
			jids = append(jids, jid)
		}
	}
	return jids
}

// ForRecipient extracts the wire payload for a single recipient. The second
// return value reports whether the payload covers that recipient.
func (p *Payload) ForRecipient(jid string) (*RecipientPayload, bool) {
	switch p.Mode {
	case ModeEncryptToAll:
		sealed, ok := p.Copies[jid]
		if !ok {
			return nil, false
		}
		return &RecipientPayload{
			Mode:       ModeEncryptToAll,
			SenderKey:  p.SenderKey,
			Nonce:      sealed.Nonce,
			Ciphertext: sealed.Ciphertext,
		}, true
	case ModeSharedKey:
		key, ok := p.Keys[jid]
		if !ok {
			return nil, false
		}
		return &RecipientPayload{
			Mode:       ModeSharedKey,
			SenderKey:  p.SenderKey,
			Nonce:      key.Nonce,
			Ciphertext: key.Wrapped,
			Body:       p.Body,
			BodyNonce:  p.BodyNonce,
		}, true
	default:
		return nil, false
	}
}

// Marshal serializes the wire payload for one recipient.
func (rp *RecipientPayload) Marshal() ([]byte, error) {
	return json.Marshal(rp)
}

// UnmarshalRecipientPayload restores a wire payload produced by Marshal.
func UnmarshalRecipientPayload(data []byte) (*RecipientPayload, error) {
	var rp RecipientPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("failed to decode recipient payload: %w", err)
	}
	return &rp, nil
}

// Open decrypts a received wire payload with the local key pair.
func (rp *RecipientPayload) Open(keys *crypto.KeyPair) ([]byte, error) {
	switch rp.Mode {
	case ModeEncryptToAll:
		return crypto.Open(rp.Ciphertext, rp.Nonce, rp.SenderKey, keys.Private)
	case ModeSharedKey:
		keyBytes, err := crypto.Open(rp.Ciphertext, rp.Nonce, rp.SenderKey, keys.Private)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap body key: %w", err)
		}
		if len(keyBytes) != 32 {
			return nil, errors.New("unwrapped body key has wrong length")
		}
		var bodyKey [32]byte
		copy(bodyKey[:], keyBytes)
		return crypto.OpenSymmetric(rp.Body, rp.BodyNonce, bodyKey)
	default:
		return nil, fmt.Errorf("unsupported payload mode %d", rp.Mode)
	}
}
