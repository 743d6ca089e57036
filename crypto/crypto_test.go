package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate sender key pair: %v", err)
	}
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate recipient key pair: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}

	plaintext := []byte("hello from the outbox")
	ciphertext, err := Seal(plaintext, nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := Open(ciphertext, nonce, sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestSealRejectsZeroRecipientKey(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}

	var zero [32]byte
	if _, err := Seal([]byte("x"), nonce, zero, sender.Private); err == nil {
		t.Error("Seal accepted an all-zero recipient key")
	}
}

func TestSealEmptyMessage(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	if _, err := Seal(nil, nonce, recipient.Public, sender.Private); err == nil {
		t.Error("Seal accepted an empty message")
	}
}

func TestSymmetricRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("Failed to generate symmetric key: %v", err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}

	plaintext := []byte("shared-key body")
	ciphertext, err := SealSymmetric(plaintext, nonce, key)
	if err != nil {
		t.Fatalf("SealSymmetric failed: %v", err)
	}

	decrypted, err := OpenSymmetric(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("OpenSymmetric failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}

	// Tampering must fail authentication.
	ciphertext[0] ^= 0xFF
	if _, err := OpenSymmetric(ciphertext, nonce, key); err == nil {
		t.Error("OpenSymmetric accepted tampered ciphertext")
	}
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	restored, err := FromSecretKey(original.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}
	if restored.Public != original.Public {
		t.Error("derived public key does not match original")
	}
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	var zero [32]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Error("FromSecretKey accepted an all-zero key")
	}
}
