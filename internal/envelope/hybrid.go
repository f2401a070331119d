package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ErrHybridNotImplemented is returned for hybrid algorithms that have no
// key-wrapping implementation yet, such as post-quantum KEMs.
var ErrHybridNotImplemented = errors.New("hybrid algorithm not implemented")

// Hybrid algorithms.
const (
	AlgorithmX25519    = "X25519"
	AlgorithmKyber1024 = "Kyber-1024"
)

// HybridSealer seals the per-object data key to one or more age X25519
// recipients instead of persisting it directly. The payload itself uses the
// same blob format as Cipher.Ingest, so a hybrid object differs only in its
// key material.
type HybridSealer struct {
	algorithm  string
	recipients []age.Recipient
}

// NewHybridSealer parses the recipients (age1... public keys) for the given
// algorithm. Only AlgorithmX25519 is implemented.
func NewHybridSealer(algorithm string, recipientKeys []string) (*HybridSealer, error) {
	if algorithm == "" {
		algorithm = AlgorithmX25519
	}
	if !strings.EqualFold(algorithm, AlgorithmX25519) {
		return nil, fmt.Errorf("%w: %s", ErrHybridNotImplemented, algorithm)
	}
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return &HybridSealer{algorithm: AlgorithmX25519, recipients: recipients}, nil
}

// Algorithm returns the key-wrapping algorithm in use.
func (h *HybridSealer) Algorithm() string {
	return h.algorithm
}

// Ingest encrypts plaintext under a fresh data key and seals that key to the
// configured recipients.
func (h *HybridSealer) Ingest(plaintext []byte) ([]byte, KeyMaterial, error) {
	dek, err := newDataKey()
	if err != nil {
		return nil, KeyMaterial{}, err
	}
	defer zero(dek)

	ciphertext, err := sealBlob(dek, plaintext)
	if err != nil {
		return nil, KeyMaterial{}, err
	}

	var wrapped bytes.Buffer
	w, err := age.Encrypt(&wrapped, h.recipients...)
	if err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(dek); err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("writing data key to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext, KeyMaterial{format: formatHybrid, data: wrapped.Bytes()}, nil
}

// ReleaseHybrid decrypts a hybrid object with the recipient's private key
// (AGE-SECRET-KEY-1...). Every failure is ErrDecryptionFailed.
func ReleaseHybrid(ciphertext []byte, key KeyMaterial, identity string) ([]byte, error) {
	if key.format != formatHybrid {
		return nil, fmt.Errorf("%w: key material is not hybrid", ErrDecryptionFailed)
	}
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing identity", ErrDecryptionFailed)
	}
	r, err := age.Decrypt(bytes.NewReader(key.data), id)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping data key", ErrDecryptionFailed)
	}
	dek, err := io.ReadAll(r)
	if err != nil || len(dek) != KeySize {
		return nil, fmt.Errorf("%w: unwrapping data key", ErrDecryptionFailed)
	}
	defer zero(dek)
	return openBlob(dek, ciphertext)
}

// GenerateIdentity creates an age X25519 keypair and returns the private and
// public halves in their text encodings.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}
