// Package imgsrc implements the image source pipeline (spec component C2):
// opening a local path or a piped remote stream, detecting xz compression,
// and exposing a single-pass io.Reader plus a known total size.
package imgsrc

import (
	"bytes"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "imgsrc"

// xz stream magic, per the xz file format specification.
var xzMagic = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}

// Compression names the encoding detected on an image's byte stream.
type Compression int

const (
	None Compression = iota
	XZ
)

// Source is a consumable, single-pass image stream with a known
// (uncompressed) total size.
type Source struct {
	Reader      io.Reader
	TotalSize   uint64
	Compression Compression
	closer      io.Closer
}

// Close releases the underlying file handle, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenFile opens a local image file, sniffing its first six bytes for the
// xz magic and wrapping a streaming decoder when found.
func OpenFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "open "+path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, bbferr.Wrap(component, bbferr.Io, "stat "+path, err)
	}

	head := make([]byte, 6)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, bbferr.Wrap(component, bbferr.Io, "seek "+path, err)
	}

	if n == 6 && bytes.Equal(head, xzMagic) {
		zr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, bbferr.Wrap(component, bbferr.InvalidImage, "xz header", err)
		}
		total, err := xzUncompressedSize(path)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &Source{Reader: zr, TotalSize: total, Compression: XZ, closer: f}, nil
	}

	return &Source{Reader: f, TotalSize: uint64(info.Size()), Compression: None, closer: f}, nil
}

// xzUncompressedSize recovers the uncompressed size of a local .xz file by
// decoding it once through a throwaway reader and counting bytes, without
// buffering the stream. The xz footer (index) is not read: the xz package
// used here does not expose it. The cost is one extra decompression pass.
func xzUncompressedSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, bbferr.Wrap(component, bbferr.Io, "reopen "+path, err)
	}
	defer f.Close()

	zr, err := xz.NewReader(f)
	if err != nil {
		return 0, bbferr.Wrap(component, bbferr.InvalidImage, "xz header", err)
	}
	n, err := io.Copy(io.Discard, zr)
	if err != nil {
		return 0, bbferr.Wrap(component, bbferr.InvalidImage, "xz decode", err)
	}
	return uint64(n), nil
}

// DetectCompression reports the Compression of an already-open stream by
// peeking at (and returning, via the second value) its first six bytes.
func DetectCompression(r io.Reader) (Compression, []byte, error) {
	head := make([]byte, 6)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return None, head[:n], bbferr.Wrap(component, bbferr.Io, "peek header", err)
	}
	if n == 6 && bytes.Equal(head, xzMagic) {
		return XZ, head[:n], nil
	}
	return None, head[:n], nil
}

// OpenPiped wraps a remote producer's byte stream (e.g. an HTTP body) for
// download-while-flash: totalSize is supplied by the caller (e.g. from a
// Content-Length header) since a piped stream has no local footer to read.
func OpenPiped(r io.Reader, totalSize uint64) (*Source, error) {
	compression, head, err := DetectCompression(r)
	if err != nil {
		return nil, err
	}
	prefixed := io.MultiReader(bytes.NewReader(head), r)
	if compression == XZ {
		zr, err := xz.NewReader(prefixed)
		if err != nil {
			return nil, bbferr.Wrap(component, bbferr.InvalidImage, "xz header", err)
		}
		return &Source{Reader: zr, TotalSize: totalSize, Compression: XZ}, nil
	}
	return &Source{Reader: prefixed, TotalSize: totalSize, Compression: None}, nil
}

// PipeStream is the file-backed half-duplex producer/consumer stream from
// spec §4.10: a producer (the network downloader) writes sequentially while
// a consumer (the SD writer's reader goroutine) reads sequentially,
// decoupled through an anonymous temp file so neither side must keep the
// whole image in memory. Unlike a plain os.Pipe, reaching EOF while the
// producer is still attached yields and retries instead of returning 0,
// avoiding a premature-EOF race between the writer catching up and the
// producer's next write landing.
type PipeStream struct {
	file          *os.File
	mu            sync.Mutex
	writeOffset   int64
	producerAttached int32
}

// NewPipeStream creates a PipeStream backed by an anonymous temp file.
func NewPipeStream() (*PipeStream, error) {
	f, err := os.CreateTemp("", "bbflash-pipe-*")
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "create pipe temp file", err)
	}
	// Unlink immediately; the fd keeps the storage alive until both ends
	// close it, and no named artifact is left behind.
	os.Remove(f.Name())
	ps := &PipeStream{file: f}
	atomic.StoreInt32(&ps.producerAttached, 1)
	return ps, nil
}

// Write implements the producer side.
func (ps *PipeStream) Write(p []byte) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n, err := ps.file.WriteAt(p, ps.writeOffset)
	ps.writeOffset += int64(n)
	if err != nil {
		return n, bbferr.Wrap(component, bbferr.Io, "pipe write", err)
	}
	return n, nil
}

// CloseProducer detaches the producer; subsequent reads past the
// last-written byte return io.EOF instead of retrying.
func (ps *PipeStream) CloseProducer() {
	atomic.StoreInt32(&ps.producerAttached, 0)
}

// NewReader returns an independent consumer cursor over the stream.
func (ps *PipeStream) NewReader() *pipeStreamReader {
	return &pipeStreamReader{ps: ps}
}

// Close releases the backing file. Safe to call once all readers are done.
func (ps *PipeStream) Close() error { return ps.file.Close() }

type pipeStreamReader struct {
	ps     *PipeStream
	offset int64
}

func (r *pipeStreamReader) Read(p []byte) (int, error) {
	for {
		r.ps.mu.Lock()
		avail := r.ps.writeOffset - r.offset
		producerGone := atomic.LoadInt32(&r.ps.producerAttached) == 0
		r.ps.mu.Unlock()

		if avail > 0 {
			n, err := r.ps.file.ReadAt(p, r.offset)
			r.offset += int64(n)
			if err != nil && err != io.EOF {
				return n, bbferr.Wrap(component, bbferr.Io, "pipe read", err)
			}
			return n, nil
		}
		if producerGone {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}
