// Package vault is the content-addressable encrypted store. Payloads are sealed
// with a fresh key per call and written to a blob backend under a reference
// derived from the ciphertext digest.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/chunker"
	"github.com/maneesh/sourcenet/internal/metrics"
	"github.com/maneesh/sourcenet/internal/models"
)

// Algorithm names the blob format recorded in EncryptionMeta.
const Algorithm = "AES-256-GCM/chunked-v1"

var (
	tracer = otel.Tracer("sourcenet-vault")

	blobMagic = []byte("SNV1")
)

const headerSize = 8

// Backend is the durable blob store. Get must wrap apperr.ErrBlobNotFound when
// the reference does not resolve.
type Backend interface {
	Put(ctx context.Context, objectKey string, data []byte) error
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
}

// Options tunes the store.
type Options struct {
	ChunkSize       int
	MaxPayloadBytes int64
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// StoredBlob is the result of EncryptAndStore.
type StoredBlob struct {
	BlobRef       string
	IntegrityHash string
	Key           KeyMaterial
	SizeBytes     int64
	ChunkSize     int
}

// Meta returns the publicly storable encryption metadata.
func (b StoredBlob) Meta() models.EncryptionMeta {
	return models.EncryptionMeta{
		Algorithm: Algorithm,
		KeyDigest: b.Key.Digest(),
		IV:        append([]byte(nil), b.Key.IV...),
		ChunkSize: b.ChunkSize,
	}
}

// Store encrypts, stores, retrieves and decrypts payloads.
type Store struct {
	backend Backend
	chunker *chunker.Chunker
	opts    Options
	logger  logrus.FieldLogger
}

// NewStore creates a store over backend.
func NewStore(backend Backend, opts Options, logger logrus.FieldLogger) *Store {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	return &Store{
		backend: backend,
		chunker: chunker.NewChunker(opts.ChunkSize),
		opts:    opts,
		logger:  logger.WithField("component", "vault"),
	}
}

// MaxPayloadBytes returns the configured upload ceiling.
func (s *Store) MaxPayloadBytes() int64 {
	return s.opts.MaxPayloadBytes
}

// EncryptAndStore seals plaintext under a fresh key and writes it below folderTag.
func (s *Store) EncryptAndStore(ctx context.Context, plaintext []byte, folderTag string) (*StoredBlob, error) {
	ctx, span := tracer.Start(ctx, "vault.encrypt_and_store",
		trace.WithAttributes(
			attribute.String("folder_tag", folderTag),
			attribute.Int("size_bytes", len(plaintext)),
		),
	)
	defer span.End()

	if s.opts.MaxPayloadBytes > 0 && int64(len(plaintext)) > s.opts.MaxPayloadBytes {
		metrics.StoreOperations.WithLabelValues("put", "too_large").Inc()
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", apperr.ErrPayloadTooLarge, len(plaintext), s.opts.MaxPayloadBytes)
	}

	integrityHash := chunker.ComputeHash(plaintext)

	km, err := NewKeyMaterial()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sealed, err := s.seal(plaintext, km)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	digest := sha256.Sum256(sealed)
	blobRef := path.Join(strings.Trim(folderTag, "/"), hex.EncodeToString(digest[:]))

	err = s.retry(ctx, "put", func() error {
		return s.backend.Put(ctx, blobRef, sealed)
	})
	if err != nil {
		span.RecordError(err)
		metrics.StoreOperations.WithLabelValues("put", "unavailable").Inc()
		return nil, fmt.Errorf("%w: put %s: %v", apperr.ErrStorageUnavailable, blobRef, err)
	}

	metrics.StoreOperations.WithLabelValues("put", "ok").Inc()
	span.SetAttributes(attribute.String("blob_ref", blobRef))

	return &StoredBlob{
		BlobRef:       blobRef,
		IntegrityHash: integrityHash,
		Key:           km,
		SizeBytes:     int64(len(plaintext)),
		ChunkSize:     s.chunker.ChunkSize(),
	}, nil
}

// RetrieveAndDecrypt reads blobRef and opens it with km. Any authentication
// failure yields ErrDecryptionFailed and no data.
func (s *Store) RetrieveAndDecrypt(ctx context.Context, blobRef string, km KeyMaterial) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "vault.retrieve_and_decrypt",
		trace.WithAttributes(attribute.String("blob_ref", blobRef)),
	)
	defer span.End()

	var sealed []byte
	err := s.retry(ctx, "get", func() error {
		data, err := s.backend.Get(ctx, blobRef)
		if err != nil {
			return err
		}
		sealed = data
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, apperr.ErrBlobNotFound) {
			metrics.StoreOperations.WithLabelValues("get", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", apperr.ErrBlobNotFound, blobRef)
		}
		metrics.StoreOperations.WithLabelValues("get", "unavailable").Inc()
		return nil, fmt.Errorf("%w: get %s: %v", apperr.ErrStorageUnavailable, blobRef, err)
	}

	digest := sha256.Sum256(sealed)
	if path.Base(blobRef) != hex.EncodeToString(digest[:]) {
		metrics.StoreOperations.WithLabelValues("get", "tampered").Inc()
		return nil, fmt.Errorf("%w: ciphertext digest does not match reference %s", apperr.ErrDecryptionFailed, blobRef)
	}

	plaintext, err := s.open(sealed, km)
	if err != nil {
		span.RecordError(err)
		metrics.StoreOperations.WithLabelValues("get", "decrypt_failed").Inc()
		return nil, err
	}

	metrics.StoreOperations.WithLabelValues("get", "ok").Inc()
	span.SetAttributes(attribute.Int("size_bytes", len(plaintext)))
	return plaintext, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, blobRef string) error {
	ctx, span := tracer.Start(ctx, "vault.delete",
		trace.WithAttributes(attribute.String("blob_ref", blobRef)),
	)
	defer span.End()

	if err := s.backend.Delete(ctx, blobRef); err != nil && !errors.Is(err, apperr.ErrBlobNotFound) {
		span.RecordError(err)
		return fmt.Errorf("delete %s: %w", blobRef, err)
	}
	return nil
}

// VerifyIntegrity recomputes the plaintext hash and compares it with expected.
func VerifyIntegrity(plaintext []byte, expected string) error {
	if !chunker.VerifyHash(plaintext, expected) {
		return fmt.Errorf("%w: integrity hash mismatch", apperr.ErrDecryptionFailed)
	}
	return nil
}

// seal lays out: magic | chunk size (uint32) | { frame len (uint32) | sealed frame }*
func (s *Store) seal(plaintext []byte, km KeyMaterial) ([]byte, error) {
	aead, err := newAEAD(km)
	if err != nil {
		return nil, err
	}

	chunks := s.chunker.Split(plaintext)
	out := make([]byte, headerSize, headerSize+len(plaintext)+len(chunks)*(4+aead.Overhead()))
	copy(out, blobMagic)
	binary.BigEndian.PutUint32(out[4:8], uint32(s.chunker.ChunkSize()))

	for _, ch := range chunks {
		frame := aead.Seal(nil, frameNonce(km.IV, ch.OrderIndex), ch.Data, frameAAD(ch.OrderIndex, ch.Final))
		out = binary.BigEndian.AppendUint32(out, uint32(len(frame)))
		out = append(out, frame...)
	}
	return out, nil
}

func (s *Store) open(sealed []byte, km KeyMaterial) ([]byte, error) {
	if !km.valid() {
		return nil, fmt.Errorf("%w: malformed key material", apperr.ErrDecryptionFailed)
	}
	if len(sealed) < headerSize || string(sealed[:4]) != string(blobMagic) {
		return nil, fmt.Errorf("%w: unknown blob format", apperr.ErrDecryptionFailed)
	}

	aead, err := newAEAD(km)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	rest := sealed[headerSize:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated frame header", apperr.ErrDecryptionFailed)
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if n < aead.Overhead() || n > len(rest) {
			return nil, fmt.Errorf("%w: frame length %d out of range", apperr.ErrDecryptionFailed, n)
		}
		frames = append(frames, rest[:n])
		rest = rest[n:]
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: blob has no frames", apperr.ErrDecryptionFailed)
	}

	parts := make([][]byte, len(frames))
	for i, frame := range frames {
		final := i == len(frames)-1
		plain, err := aead.Open(nil, frameNonce(km.IV, i), frame, frameAAD(i, final))
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d failed authentication", apperr.ErrDecryptionFailed, i)
		}
		parts[i] = plain
	}

	return chunker.ReassembleChunks(parts), nil
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    s.opts.RetryBaseDelay,
		Max:    s.opts.RetryBaseDelay * 16,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrBlobNotFound) {
			return err
		}
		if attempt == s.opts.MaxRetries {
			break
		}

		delay := b.Duration()
		s.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Warn("blob backend call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func newAEAD(km KeyMaterial) (cipher.AEAD, error) {
	if !km.valid() {
		return nil, fmt.Errorf("%w: malformed key material", apperr.ErrDecryptionFailed)
	}
	block, err := aes.NewCipher(km.Key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// frameNonce xors the frame index into the low 8 bytes of the base IV.
func frameNonce(iv []byte, index int) []byte {
	nonce := append([]byte(nil), iv...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], uint64(index))
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func frameAAD(index int, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad[:8], uint64(index))
	if final {
		aad[8] = 1
	}
	return aad
}
