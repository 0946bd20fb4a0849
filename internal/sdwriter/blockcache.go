package sdwriter

import (
	"io"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// CacheBlockSize is the read-modify-write granularity for customization
// (spec §4.4: "4096-byte read-modify-write cache").
const CacheBlockSize = 4096

// BlockCache presents a byte-granular io.ReadWriteSeeker over an
// io.ReaderAt+io.WriterAt device that only tolerates CacheBlockSize-aligned
// accesses. It holds exactly one CacheBlockSize block resident at a time:
// reads fill it lazily, writes mark it dirty and flush a full aligned
// block, and Seek never issues I/O by itself.
type BlockCache struct {
	dev interface {
		io.ReaderAt
		io.WriterAt
	}
	pos      int64
	blockNo  int64
	block    []byte
	loaded   bool
	dirty    bool
}

// NewBlockCache wraps dev.
func NewBlockCache(dev interface {
	io.ReaderAt
	io.WriterAt
}) *BlockCache {
	return &BlockCache{dev: dev, blockNo: -1, block: make([]byte, CacheBlockSize)}
}

func (c *BlockCache) ensureBlock(blockNo int64) error {
	if c.loaded && c.blockNo == blockNo {
		return nil
	}
	if err := c.flush(); err != nil {
		return err
	}
	n, err := c.dev.ReadAt(c.block, blockNo*CacheBlockSize)
	if err != nil && err != io.EOF {
		return bbferr.Wrap(component, bbferr.Io, "block cache read", err)
	}
	for i := n; i < len(c.block); i++ {
		c.block[i] = 0
	}
	c.blockNo = blockNo
	c.loaded = true
	c.dirty = false
	return nil
}

// flush writes back the resident block if dirty.
func (c *BlockCache) flush() error {
	if !c.loaded || !c.dirty {
		return nil
	}
	if _, err := c.dev.WriteAt(c.block, c.blockNo*CacheBlockSize); err != nil {
		return bbferr.Wrap(component, bbferr.Io, "block cache write", err)
	}
	c.dirty = false
	return nil
}

// Flush exposes flush for callers that need to force a write-back (e.g.
// before handing the device off to the next phase).
func (c *BlockCache) Flush() error { return c.flush() }

func (c *BlockCache) Read(p []byte) (int, error) {
	var total int
	for total < len(p) {
		blockNo := c.pos / CacheBlockSize
		off := c.pos % CacheBlockSize
		if err := c.ensureBlock(blockNo); err != nil {
			return total, err
		}
		n := copy(p[total:], c.block[off:])
		total += n
		c.pos += int64(n)
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (c *BlockCache) Write(p []byte) (int, error) {
	var total int
	for total < len(p) {
		blockNo := c.pos / CacheBlockSize
		off := c.pos % CacheBlockSize
		if err := c.ensureBlock(blockNo); err != nil {
			return total, err
		}
		n := copy(c.block[off:], p[total:])
		c.dirty = true
		total += n
		c.pos += int64(n)
	}
	return total, nil
}

// ReadAt and WriteAt let BlockCache itself stand in for a Device in the
// customization phase (diskfs's filesystem readers expect random access).
// Customization is single-threaded, so the save/restore of pos is safe.
func (c *BlockCache) ReadAt(p []byte, off int64) (int, error) {
	saved := c.pos
	c.pos = off
	n, err := c.Read(p)
	c.pos = saved
	return n, err
}

func (c *BlockCache) WriteAt(p []byte, off int64) (int, error) {
	saved := c.pos
	c.pos = off
	n, err := c.Write(p)
	c.pos = saved
	return n, err
}

func (c *BlockCache) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		c.pos = offset
	case io.SeekCurrent:
		c.pos += offset
	case io.SeekEnd:
		return 0, bbferr.New(component, bbferr.Io, "block cache: SeekEnd unsupported")
	default:
		return 0, bbferr.New(component, bbferr.Io, "block cache: bad whence")
	}
	return c.pos, nil
}
