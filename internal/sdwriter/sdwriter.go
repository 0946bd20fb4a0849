// Package sdwriter implements the SD-card flashing engine (spec §4.4): a
// producer/consumer ring buffer feeding either a dense or bmap-sparse
// writer, followed by an optional post-write sysconf/Wi-Fi customization
// pass through a FAT filesystem.
package sdwriter

import (
	"context"
	"io"
	"sync"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// Config tunes the ring buffer. Zero values fall back to 1 MiB buffers and
// a ring of 4, the same numbers as internal/config's defaults; New does not
// read internal/config itself.
type Config struct {
	RingBufferSize  int
	RingBufferCount int
}

// Writer flashes an image to a destination device, performing whatever
// OS-specific privileged open/eject the platform requires.
type Writer struct {
	opener Opener
	cfg    Config
}

// New builds a Writer. A nil opener uses the platform default from
// NewOpener.
func New(opener Opener, cfg Config) *Writer {
	if opener == nil {
		opener = NewOpener()
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 1 << 20
	}
	if cfg.RingBufferCount <= 0 {
		cfg.RingBufferCount = 4
	}
	return &Writer{opener: opener, cfg: cfg}
}

// Request bundles one flash operation's inputs (spec §3's FlashRequest).
type Request struct {
	DestinationPath string
	Image           io.Reader
	ImageSize       uint64
	Bmap            *Bmap // nil selects the dense writer
	Customization   *Customization
}

// Flash writes Image to the opened destination, using the bmap-sparse
// writer when req.Bmap is non-nil and the dense writer otherwise, then
// runs the optional sysconf customization pass, then ejects the device.
// Cancellation is polled at phase boundaries and inside the reader/writer
// loops (spec §5).
func (w *Writer) Flash(ctx context.Context, req Request, progress ProgressFunc) error {
	emit(progress, Event{Kind: Preparing})

	if err := ctx.Err(); err != nil {
		return bbferr.Wrap(component, bbferr.Aborted, "flash cancelled before open", err)
	}
	dev, err := w.opener.Open(ctx, req.DestinationPath)
	if err != nil {
		return err
	}

	if err := w.writeImage(ctx, dev, req, progress); err != nil {
		dev.Close()
		return err
	}

	if req.Customization != nil {
		if err := ctx.Err(); err != nil {
			dev.Close()
			return bbferr.Wrap(component, bbferr.Aborted, "flash cancelled before customization", err)
		}
		emit(progress, Event{Kind: Customizing})
		cache := NewBlockCache(dev)
		if err := Customize(cache, req.Customization); err != nil {
			dev.Close()
			return err
		}
		if err := cache.Flush(); err != nil {
			dev.Close()
			return bbferr.Wrap(component, bbferr.Io, "flush customization", err)
		}
	}

	return w.opener.Eject(ctx, req.DestinationPath, dev)
}

func (w *Writer) writeImage(ctx context.Context, dev Device, req Request, progress ProgressFunc) error {
	free, full := newRing(w.cfg.RingBufferCount, w.cfg.RingBufferSize)

	var readErr, writeErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		readErr = readerLoop(ctx, req.Image, free, full)
	}()
	go func() {
		defer wg.Done()
		if req.Bmap != nil {
			writeErr = bmapWriter(ctx, dev, full, free, req.Bmap, progress)
		} else {
			writeErr = denseWriter(ctx, dev, full, free, req.ImageSize, progress)
		}
	}()
	wg.Wait()

	if writeErr != nil {
		return writeErr
	}
	return readErr
}
