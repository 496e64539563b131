package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MemObject is an in-memory object that serves as the Output of one
// write and then the Input of any number of reads. Tests use it in
// place of a real store: it counts ranged reads so access patterns can
// be asserted, and exposes its bytes so corruption can be injected.
type MemObject struct {
	mu      sync.Mutex
	data    []byte
	closed  bool
	aborted bool
	reads   int
}

// NewMemObject makes an empty in-memory object.
func NewMemObject() *MemObject {
	return &MemObject{}
}

func (m *MemObject) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.aborted {
		return 0, errors.New("write to finalised object")
	}
	m.data = append(m.data, p...)
	return len(p), nil
}

func (m *MemObject) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemObject) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	m.data = nil
	return nil
}

// OpenRange serves [offset, offset+length) straight from memory and
// counts the call.
func (m *MemObject) OpenRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if offset < 0 || length < 0 || offset+length > int64(len(m.data)) {
		return nil, fmt.Errorf("range [%d,%d) outside object of %d bytes", offset, offset+length, len(m.data))
	}
	return io.NopCloser(bytes.NewReader(m.data[offset : offset+length])), nil
}

// Size returns the object size.
func (m *MemObject) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

// Bytes returns the object's backing buffer. Callers may flip bytes in
// place to simulate corruption, but not while reads are in flight.
func (m *MemObject) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// RangeReads returns how many times OpenRange has been called.
func (m *MemObject) RangeReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Closed reports whether Close has been called.
func (m *MemObject) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Aborted reports whether Abort has been called.
func (m *MemObject) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}
