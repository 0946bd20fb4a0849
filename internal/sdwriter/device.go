package sdwriter

import (
	"context"
	"io"
	"os"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// Device is the capability set the writer needs from an opened
// destination: sequential writes for the bulk flash phase, and
// ReadAt/WriteAt for the BlockCache used during customization.
type Device interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Opener resolves a destination path to an opened Device, performing
// whatever OS-specific privilege elevation is required (spec §4.4
// "Opening the device"), and ejects it once the writer is done.
type Opener interface {
	Open(ctx context.Context, path string) (Device, error)
	Eject(ctx context.Context, path string, dev Device) error
}

// DirectOpener opens the path with a plain O_RDWR, the fallback path on
// every OS when no privileged helper is configured (spec: "otherwise
// open(path, O_RDWR) directly").
type DirectOpener struct{}

func (DirectOpener) Open(ctx context.Context, path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "open "+path, err)
	}
	return f, nil
}

// Eject on the DirectOpener's fallback path is just closing the handle;
// platform openers override this (macOS with `diskutil eject`, Windows by
// closing the handle and releasing any volume lock).
func (DirectOpener) Eject(ctx context.Context, path string, dev Device) error {
	return dev.Close()
}
