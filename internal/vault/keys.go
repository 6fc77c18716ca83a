package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

const (
	keySize   = 32
	nonceSize = 12

	wrapAAD = "sourcenet/key-wrap/v1"
)

// KeyMaterial is a symmetric data key and its base IV. It redacts itself in every
// textual representation so it cannot leak through logs.
type KeyMaterial struct {
	Key []byte
	IV  []byte
}

// NewKeyMaterial draws a fresh key and IV from crypto/rand.
func NewKeyMaterial() (KeyMaterial, error) {
	km := KeyMaterial{Key: make([]byte, keySize), IV: make([]byte, nonceSize)}
	if _, err := rand.Read(km.Key); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(km.IV); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate iv: %w", err)
	}
	return km, nil
}

// Digest identifies the key without revealing it.
func (k KeyMaterial) Digest() string {
	sum := sha256.Sum256(k.Key)
	return hex.EncodeToString(sum[:])
}

func (k KeyMaterial) valid() bool {
	return len(k.Key) == keySize && len(k.IV) == nonceSize
}

func (k KeyMaterial) String() string {
	return "KeyMaterial{redacted}"
}

func (k KeyMaterial) GoString() string {
	return k.String()
}

func (k KeyMaterial) MarshalJSON() ([]byte, error) {
	return []byte(`"redacted"`), nil
}

// KeyWrapper seals data keys with the service key-encryption key for storage at rest.
type KeyWrapper struct {
	aead cipher.AEAD
}

// NewKeyWrapper builds a wrapper around a 32-byte KEK.
func NewKeyWrapper(kek []byte) (*KeyWrapper, error) {
	if len(kek) != keySize {
		return nil, fmt.Errorf("key-encryption key must be %d bytes, got %d", keySize, len(kek))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &KeyWrapper{aead: aead}, nil
}

// Wrap seals km. The result carries the key digest and IV in the clear.
func (w *KeyWrapper) Wrap(km KeyMaterial) (models.WrappedKey, error) {
	if !km.valid() {
		return models.WrappedKey{}, fmt.Errorf("wrap: malformed key material")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return models.WrappedKey{}, fmt.Errorf("wrap: generate nonce: %w", err)
	}

	plain := make([]byte, 0, keySize+nonceSize)
	plain = append(plain, km.Key...)
	plain = append(plain, km.IV...)

	sealed := w.aead.Seal(nonce, nonce, plain, []byte(wrapAAD))

	return models.WrappedKey{
		Ciphertext: sealed,
		Digest:     km.Digest(),
		IV:         append([]byte(nil), km.IV...),
	}, nil
}

// Unwrap opens a wrapped key and checks it against the recorded digest.
func (w *KeyWrapper) Unwrap(wk models.WrappedKey) (KeyMaterial, error) {
	if len(wk.Ciphertext) < nonceSize+w.aead.Overhead() {
		return KeyMaterial{}, fmt.Errorf("%w: wrapped key too short", apperr.ErrDecryptionFailed)
	}

	nonce, sealed := wk.Ciphertext[:nonceSize], wk.Ciphertext[nonceSize:]
	plain, err := w.aead.Open(nil, nonce, sealed, []byte(wrapAAD))
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: unwrap key", apperr.ErrDecryptionFailed)
	}
	if len(plain) != keySize+nonceSize {
		return KeyMaterial{}, fmt.Errorf("%w: unwrapped key has %d bytes", apperr.ErrDecryptionFailed, len(plain))
	}

	km := KeyMaterial{Key: plain[:keySize], IV: plain[keySize:]}
	if wk.Digest != "" && km.Digest() != wk.Digest {
		return KeyMaterial{}, fmt.Errorf("%w: key digest mismatch", apperr.ErrDecryptionFailed)
	}
	return km, nil
}
