package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrBufferFull is returned when the recording reached its maximum size
var ErrBufferFull = errors.New("audio buffer full")

// AudioBuffer records the PCM a client streamed during one connection
type AudioBuffer struct {
	chunks    [][]byte
	totalSize int
	maxSize   int
	dropped   int
	mu        sync.Mutex
}

// NewAudioBuffer creates a buffer with the specified maximum size in bytes
func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{maxSize: maxSize}
}

// MaxSize returns the maximum buffer size
func (ab *AudioBuffer) MaxSize() int {
	return ab.maxSize
}

// Append records a chunk. Returns ErrBufferFull if the chunk would exceed
// maxSize; the chunk is then counted as dropped.
func (ab *AudioBuffer) Append(chunk []byte) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	newSize := ab.totalSize + len(chunk)
	if newSize > ab.maxSize {
		ab.dropped += len(chunk)
		return ErrBufferFull
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	ab.chunks = append(ab.chunks, c)
	ab.totalSize = newSize
	return nil
}

// Flush concatenates all chunks in order and clears the buffer
func (ab *AudioBuffer) Flush() []byte {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if len(ab.chunks) == 0 {
		return nil
	}

	result := make([]byte, 0, ab.totalSize)
	for _, chunk := range ab.chunks {
		result = append(result, chunk...)
	}

	ab.chunks = nil
	ab.totalSize = 0
	return result
}

// Clear empties the buffer without returning data
func (ab *AudioBuffer) Clear() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.chunks = nil
	ab.totalSize = 0
	ab.dropped = 0
}

// Size returns the current total buffered bytes
func (ab *AudioBuffer) Size() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.totalSize
}

// Dropped returns how many bytes did not fit
func (ab *AudioBuffer) Dropped() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.dropped
}

// Save flushes the recording to dir as streamed_<uuid>.pcm and returns the
// file path. Nothing is written for an empty recording.
func (ab *AudioBuffer) Save(dir string) (string, error) {
	data := ab.Flush()
	if len(data) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create record dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("streamed_%s.pcm", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	return path, nil
}
