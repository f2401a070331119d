// Package envelope encrypts protected objects at rest.
//
// Every object gets a fresh 256-bit data key (DEK). The payload is sealed
// with XChaCha20-Poly1305 in the blob format
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// with the version byte authenticated as additional data. When a master key
// is configured the DEK is itself sealed under a key derived from it before
// being handed out as KeyMaterial; otherwise KeyMaterial carries the raw DEK
// and its at-rest protection is the storage tier's concern.
//
// KeyMaterial never leaves the package in printable form: it redacts itself
// in logs and fmt output.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of data keys and of the master key.
const KeySize = chacha20poly1305.KeySize

// BlobVersion is the first byte of every ciphertext produced by Ingest.
const BlobVersion byte = 0x01

// BlobOverhead is the ciphertext expansion: version + nonce + tag.
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	// ErrDecryptionFailed covers every release failure: malformed blob,
	// unknown version, wrong key and tampered data. No plaintext is ever
	// returned with it.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidMasterKey is returned by NewCipher for a master key of the
	// wrong size.
	ErrInvalidMasterKey = errors.New("master key must be 32 bytes")
)

var (
	hkdfInfoKEK = []byte("geocrypt.envelope.kek.v1")
	versionAAD  = []byte{BlobVersion}
)

// Config tunes a Cipher.
type Config struct {
	// MasterKey, when set, wraps every data key. Must be KeySize bytes.
	MasterKey []byte
}

// Cipher performs ingest and release. It is safe for concurrent use.
type Cipher struct {
	kek []byte
}

// NewCipher creates a Cipher. Without a master key, KeyMaterial holds raw
// data keys.
func NewCipher(cfg ...Config) (*Cipher, error) {
	c := &Cipher{}
	if len(cfg) > 0 && cfg[0].MasterKey != nil {
		if len(cfg[0].MasterKey) != KeySize {
			return nil, fmt.Errorf("%w, got %d", ErrInvalidMasterKey, len(cfg[0].MasterKey))
		}
		kek, err := deriveKey(cfg[0].MasterKey, hkdfInfoKEK)
		if err != nil {
			return nil, err
		}
		c.kek = kek
	}
	return c, nil
}

// Wraps reports whether data keys are sealed under a master key.
func (c *Cipher) Wraps() bool {
	return c.kek != nil
}

// Ingest encrypts plaintext under a freshly generated data key and returns
// the ciphertext together with the key material to persist beside it.
func (c *Cipher) Ingest(plaintext []byte) ([]byte, KeyMaterial, error) {
	dek, err := newDataKey()
	if err != nil {
		return nil, KeyMaterial{}, err
	}
	defer zero(dek)

	ciphertext, err := sealBlob(dek, plaintext)
	if err != nil {
		return nil, KeyMaterial{}, err
	}
	key, err := c.protect(dek)
	if err != nil {
		return nil, KeyMaterial{}, err
	}
	return ciphertext, key, nil
}

// Release decrypts a ciphertext produced by Ingest. Any failure returns
// ErrDecryptionFailed and a nil slice.
func (c *Cipher) Release(ciphertext []byte, key KeyMaterial) ([]byte, error) {
	dek, err := c.unprotect(key)
	if err != nil {
		return nil, err
	}
	defer zero(dek)
	return openBlob(dek, ciphertext)
}

func (c *Cipher) protect(dek []byte) (KeyMaterial, error) {
	if c.kek == nil {
		return KeyMaterial{format: formatRaw, data: append([]byte(nil), dek...)}, nil
	}
	wrapped, err := sealBlob(c.kek, dek)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("wrapping data key: %w", err)
	}
	return KeyMaterial{format: formatWrapped, data: wrapped}, nil
}

func (c *Cipher) unprotect(key KeyMaterial) ([]byte, error) {
	switch key.format {
	case formatRaw:
		if len(key.data) != KeySize {
			return nil, fmt.Errorf("%w: malformed key material", ErrDecryptionFailed)
		}
		return append([]byte(nil), key.data...), nil
	case formatWrapped:
		if c.kek == nil {
			return nil, fmt.Errorf("%w: key is wrapped but no master key is configured", ErrDecryptionFailed)
		}
		dek, err := openBlob(c.kek, key.data)
		if err != nil || len(dek) != KeySize {
			return nil, fmt.Errorf("%w: unwrapping data key", ErrDecryptionFailed)
		}
		return dek, nil
	case formatHybrid:
		return nil, fmt.Errorf("%w: hybrid key material requires a recipient identity", ErrDecryptionFailed)
	default:
		return nil, fmt.Errorf("%w: unknown key material format %d", ErrDecryptionFailed, key.format)
	}
}

func newDataKey() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return dek, nil
}

func sealBlob(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = BlobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, versionAAD), nil
}

func openBlob(key, blob []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecryptionFailed, len(blob), BlobOverhead)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecryptionFailed, blob[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], versionAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: message authentication failed", ErrDecryptionFailed)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func deriveKey(ikm, info []byte) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), out); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
