// Package buffer provides the response body accumulator. Payloads stay in
// memory up to a limit and spill to a temporary file beyond it.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// Buffer stores data either in memory or spooled to a temporary file when
// exceeding a threshold.
type Buffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	file   *os.File
	path   string
	size   int64
	limit  int64
	closed bool
}

// New creates a new Buffer with the provided memory limit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = constants.DefaultBodyMemLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData creates a new buffer holding data.
func NewWithData(data []byte) *Buffer {
	b := New(int64(len(data)))
	b.Write(data)
	return b
}

// Write appends p, spilling to disk once above the memory threshold.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewValidationError("buffer is closed")
	}
	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		b.size += int64(len(p))
		return b.buf.Write(p)
	}

	if b.file == nil {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	n, err := b.file.Write(p)
	b.size += int64(n)
	if err != nil {
		return n, errors.NewIOError("writing body spill file", err)
	}
	return n, nil
}

func (b *Buffer) spill() error {
	tmp, err := os.CreateTemp("", "parallelhttp-body-*.tmp")
	if err != nil {
		return errors.NewIOError("creating body spill file", err)
	}
	if b.buf.Len() > 0 {
		if _, err := tmp.Write(b.buf.Bytes()); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return errors.NewIOError("writing body spill file", err)
		}
	}
	b.file = tmp
	b.path = tmp.Name()
	b.buf.Reset()
	return nil
}

// Bytes returns the in-memory data. If the payload spilled to disk this will
// be nil; use ReadAll instead.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// ReadAll returns the whole payload wherever it is stored.
func (b *Buffer) ReadAll() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Path returns the filesystem path backing the spilled payload.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled returns true if the buffer has spilled to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader provides a fresh reader for the stored data.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewValidationError("buffer is closed")
	}
	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing body spill file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening body spill file", err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Replace swaps the payload for data, e.g. after content decoding.
func (b *Buffer) Replace(data []byte) error {
	if err := b.Reset(); err != nil {
		return err
	}
	_, err := b.Write(data)
	return err
}

// Close removes the spill file, if any. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = removeErr
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing body spill file", err)
		}
	}
	return nil
}

// Reset clears the buffer and prepares it for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
