//go:build windows

package sdwriter

import (
	"sync"

	"golang.org/x/sys/windows"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// winFile adapts a raw windows.Handle (opened with FILE_FLAG_NO_BUFFERING)
// to the Device interface via ReadFile/WriteFile/SetFilePointerEx.
type winFile struct {
	mu  sync.Mutex
	h   windows.Handle
	pos int64
}

func newWinFile(h windows.Handle) *winFile { return &winFile{h: h} }

func (w *winFile) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n uint32
	if err := windows.ReadFile(w.h, p, &n, nil); err != nil {
		return int(n), bbferr.Wrap(component, bbferr.Io, "ReadFile", err)
	}
	w.pos += int64(n)
	return int(n), nil
}

func (w *winFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n uint32
	if err := windows.WriteFile(w.h, p, &n, nil); err != nil {
		return int(n), bbferr.Wrap(component, bbferr.Io, "WriteFile", err)
	}
	w.pos += int64(n)
	return int(n), nil
}

func (w *winFile) Seek(offset int64, whence int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var newPos int64
	if err := windows.SetFilePointerEx(w.h, offset, &newPos, uint32(whence)); err != nil {
		return 0, bbferr.Wrap(component, bbferr.Io, "SetFilePointerEx", err)
	}
	w.pos = newPos
	return newPos, nil
}

func (w *winFile) ReadAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var newPos int64
	if err := windows.SetFilePointerEx(w.h, off, &newPos, 0); err != nil {
		return 0, bbferr.Wrap(component, bbferr.Io, "SetFilePointerEx", err)
	}
	var n uint32
	err := windows.ReadFile(w.h, p, &n, nil)
	if err != nil {
		return int(n), bbferr.Wrap(component, bbferr.Io, "ReadFile", err)
	}
	return int(n), nil
}

func (w *winFile) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var newPos int64
	if err := windows.SetFilePointerEx(w.h, off, &newPos, 0); err != nil {
		return 0, bbferr.Wrap(component, bbferr.Io, "SetFilePointerEx", err)
	}
	var n uint32
	if err := windows.WriteFile(w.h, p, &n, nil); err != nil {
		return int(n), bbferr.Wrap(component, bbferr.Io, "WriteFile", err)
	}
	return int(n), nil
}

func (w *winFile) Close() error {
	return windows.CloseHandle(w.h)
}
