package sdwriter

import (
	"context"
	"io"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

type buffer struct {
	data []byte
	n    int
}

func newRing(count, size int) (free chan *buffer, full chan *buffer) {
	free = make(chan *buffer, count)
	full = make(chan *buffer, count)
	for i := 0; i < count; i++ {
		free <- &buffer{data: make([]byte, size)}
	}
	return free, full
}

// readerLoop pulls empty buffers from free, fills them via an
// AlignedReader, and pushes them to full. It closes full on EOF or error
// and reports the terminal error (nil on clean EOF).
func readerLoop(ctx context.Context, src io.Reader, free, full chan *buffer) error {
	defer close(full)
	ar := NewAlignedReader(src)
	for {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "reader cancelled", err)
		}
		var b *buffer
		select {
		case b = <-free:
		case <-ctx.Done():
			return bbferr.Wrap(component, bbferr.Aborted, "reader cancelled", ctx.Err())
		}

		n, err := ar.ReadAligned(b.data)
		b.n = n
		if n > 0 {
			select {
			case full <- b:
			case <-ctx.Done():
				return bbferr.Wrap(component, bbferr.Aborted, "reader cancelled", ctx.Err())
			}
		} else {
			free <- b
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return bbferr.Wrap(component, bbferr.Io, "read image", err)
		}
	}
}

// denseWriter seeks to 0 once and writes every arriving buffer in stream
// order, advancing the device offset (spec's dense writer strategy).
func denseWriter(ctx context.Context, dest io.WriteSeeker, full, free chan *buffer, imageSize uint64, progress ProgressFunc) error {
	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return bbferr.Wrap(component, bbferr.Io, "seek to start", err)
	}

	var written uint64
	for b := range full {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "writer cancelled", err)
		}
		if _, err := dest.Write(b.data[:b.n]); err != nil {
			return bbferr.Wrap(component, bbferr.Io, "write device", err)
		}
		written += uint64(b.n)
		frac := 1.0
		if imageSize > 0 {
			frac = float64(written) / float64(imageSize)
		}
		emit(progress, Event{Kind: Flashing, Fraction: frac})
		free <- b
	}
	return nil
}

// bmapWriter consumes buffers in stream order, writing only those that
// overlap the current (ascending) block range and skipping the rest
// untouched (spec's bmap writer strategy).
func bmapWriter(ctx context.Context, dest io.WriteSeeker, full, free chan *buffer, bmap *Bmap, progress ProgressFunc) error {
	totalMapped := bmap.TotalMappedSize()
	var pos, mappedWritten uint64
	rangeIdx := 0
	rangesExhausted := len(bmap.Blocks) == 0

	for b := range full {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "writer cancelled", err)
		}
		bufStart := pos
		bufEnd := pos + uint64(b.n)
		pos = bufEnd

		if !rangesExhausted {
			for rangeIdx < len(bmap.Blocks) {
				_, end := bmap.ByteRange(bmap.Blocks[rangeIdx])
				if end <= bufStart {
					rangeIdx++
					continue
				}
				break
			}
			if rangeIdx >= len(bmap.Blocks) {
				rangesExhausted = true
			} else {
				start, end := bmap.ByteRange(bmap.Blocks[rangeIdx])
				if bufStart < end && bufEnd > start {
					if _, err := dest.Seek(int64(bufStart), io.SeekStart); err != nil {
						return bbferr.Wrap(component, bbferr.Io, "seek device", err)
					}
					if _, err := dest.Write(b.data[:b.n]); err != nil {
						return bbferr.Wrap(component, bbferr.Io, "write device", err)
					}
					mappedWritten += uint64(b.n)
					frac := 1.0
					if totalMapped > 0 {
						frac = float64(mappedWritten) / float64(totalMapped)
					}
					emit(progress, Event{Kind: Flashing, Fraction: frac})
				}
				if bufEnd >= end {
					rangeIdx++
				}
			}
		}

		free <- b
	}
	return nil
}
