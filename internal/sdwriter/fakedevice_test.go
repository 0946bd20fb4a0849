package sdwriter

import (
	"context"
	"io"
)

// memDevice is an in-memory Device used by tests in place of a real block
// device; it grows on demand like a file opened O_RDWR.
type memDevice struct {
	data   []byte
	pos    int64
	closed bool
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) growTo(n int64) {
	if int64(len(m.data)) < n {
		grown := make([]byte, n)
		copy(grown, m.data)
		m.data = grown
	}
}

func (m *memDevice) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memDevice) Write(p []byte) (int, error) {
	m.growTo(m.pos + int64(len(p)))
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memDevice) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	m.growTo(off + int64(len(p)))
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memDevice) Close() error {
	m.closed = true
	return nil
}

// noopOpener hands back a pre-built memDevice instead of opening a real path.
type noopOpener struct {
	dev *memDevice
}

func (o *noopOpener) Open(ctx context.Context, path string) (Device, error) {
	return o.dev, nil
}

func (o *noopOpener) Eject(ctx context.Context, path string, dev Device) error {
	return dev.Close()
}
