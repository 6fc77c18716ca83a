package chunker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/maneesh/sourcenet/internal/models"
)

// Chunker splits plaintext into fixed-size frames for sealing
type Chunker struct {
	chunkSize int
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1024 * 1024
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the frame size in bytes
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Split frames data in order. The last frame is marked Final; empty input yields
// a single empty final frame so that every sealed blob has a terminator.
func (c *Chunker) Split(data []byte) []*models.ChunkData {
	count := (len(data) + c.chunkSize - 1) / c.chunkSize
	if count == 0 {
		count = 1
	}

	chunks := make([]*models.ChunkData, 0, count)
	for i := 0; i < count; i++ {
		start := i * c.chunkSize
		end := start + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, &models.ChunkData{
			Data:       data[start:end],
			OrderIndex: i,
			Final:      i == count-1,
		})
	}
	return chunks
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyHash verifies that data matches the expected hex SHA256 hash
func VerifyHash(data []byte, expectedHash string) bool {
	actualHash := ComputeHash(data)
	return subtle.ConstantTimeCompare([]byte(actualHash), []byte(expectedHash)) == 1
}
