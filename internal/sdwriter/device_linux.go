//go:build linux

package sdwriter

// LinuxOpener opens the raw block device directly. A desktop shell that
// wants the udev/polkit privilege-prompt path (spec: "request an fd via
// the system storage daemon's OpenDevice(\"rw\")") supplies its own Opener
// implementing that RPC and falls back to LinuxOpener when it is
// unavailable — that collaborator's wire protocol is out of scope here
// (spec §1 treats it as an external collaborator).
type LinuxOpener struct {
	DirectOpener
}

// NewOpener returns the platform-default Opener for Linux.
func NewOpener() Opener { return LinuxOpener{} }
