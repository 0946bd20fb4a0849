//go:build darwin

package sdwriter

import (
	"context"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// DarwinOpener opens a raw disk device, optionally through the `authopen`
// SUID helper: it unmounts the volume via `diskutil`, spawns
// `authopen -stdoutpipe <path>`, and receives the opened fd over a
// SCM_RIGHTS ancillary message on authopen's stdout Unix-domain socket
// (spec §4.4). AuthopenPath is left empty to use the direct-open fallback.
type DarwinOpener struct {
	AuthopenPath string // path to the authopen binary; empty disables it
}

// NewOpener returns the platform-default Opener for macOS.
func NewOpener() Opener { return DarwinOpener{AuthopenPath: "/usr/libexec/authopen"} }

func (o DarwinOpener) Open(ctx context.Context, path string) (Device, error) {
	if o.AuthopenPath == "" {
		return DirectOpener{}.Open(ctx, path)
	}
	if _, err := os.Stat(o.AuthopenPath); err != nil {
		return DirectOpener{}.Open(ctx, path)
	}

	if out, err := exec.CommandContext(ctx, "diskutil", "unmountDisk", path).CombinedOutput(); err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "diskutil unmountDisk: "+string(out), err)
	}

	cmd := exec.CommandContext(ctx, o.AuthopenPath, "-stdoutpipe", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "authopen pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "authopen start", err)
	}

	uc, ok := stdout.(*net.UnixConn)
	if !ok {
		cmd.Process.Kill()
		return nil, bbferr.New(component, bbferr.FailedToOpenDestination, "authopen stdout is not a unix socket")
	}
	fd, err := receiveFD(uc)
	if err != nil {
		cmd.Process.Kill()
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "receive fd via SCM_RIGHTS", err)
	}
	if err := cmd.Wait(); err != nil {
		// authopen exits once it has handed off the fd; a non-zero exit
		// here does not invalidate the fd we already received.
	}
	return os.NewFile(uintptr(fd), path), nil
}

func receiveFD(uc *net.UnixConn) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var rerr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, oobn, _, _, rerr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if rerr != nil {
		return 0, rerr
	}
	_ = n
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, bbferr.New(component, bbferr.FailedToOpenDestination, "no fd in SCM_RIGHTS message")
}

func (o DarwinOpener) Eject(ctx context.Context, path string, dev Device) error {
	dev.Close()
	out, err := exec.CommandContext(ctx, "diskutil", "eject", path).CombinedOutput()
	if err != nil {
		return bbferr.Wrap(component, bbferr.Io, "diskutil eject: "+string(out), err)
	}
	return nil
}
