// Package mspm0 drives the PocketBeagle-2 MSPM0 companion microcontroller
// through the Linux kernel's firmware_upload sysfs state machine (spec
// §4.7), optionally preserving the EEPROM region that shares the MSPM0's
// I2C bus. The probe-then-act shape over bare sysfs/device files is
// adapted from the teacher's device-availability probing in
// pkg/hashing/hardware/device_detector.go, repointed at the real sysfs
// tree instead of /dev/bitmain-asic.
package mspm0

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "mspm0"

// DefaultSysfsRoot is the kernel's firmware_upload sysfs tree for the
// PocketBeagle-2's onboard MSPM0L1105.
const DefaultSysfsRoot = "/sys/class/firmware/mspm0l1105"

// DefaultEEPROMPath is the I2C EEPROM sharing the MSPM0's bus, preserved
// across a flash when requested.
const DefaultEEPROMPath = "/sys/bus/i2c/devices/0-0050/eeprom"

// maxFirmwareSize is the size ceiling enforced before any sysfs contact
// (spec §4.7).
const maxFirmwareSize = 32 * 1024

// pollInterval paces the status poll loop; short enough to keep progress
// responsive without hammering sysfs.
var pollInterval = 50 * time.Millisecond

// ProgressFunc receives coarse phase + fraction updates; nil-safe.
type ProgressFunc func(phase Phase, fraction float64)

// Phase tags which part of the sysfs state machine is in progress.
type Phase int

const (
	Preparing Phase = iota
	Transferring
	Verifying
)

func emit(p ProgressFunc, phase Phase, fraction float64) {
	if p != nil {
		p(phase, fraction)
	}
}

// Options configures a flash run.
type Options struct {
	SysfsRoot      string // defaults to DefaultSysfsRoot
	EEPROMPath     string // defaults to DefaultEEPROMPath
	PreserveEEPROM bool
}

func (o Options) sysfsRoot() string {
	if o.SysfsRoot != "" {
		return o.SysfsRoot
	}
	return DefaultSysfsRoot
}

func (o Options) eepromPath() string {
	if o.EEPROMPath != "" {
		return o.EEPROMPath
	}
	return DefaultEEPROMPath
}

// Flash runs the sysfs firmware_upload programming loop from spec §4.7:
// optionally snapshot the EEPROM, write the firmware through
// loading/data/loading, poll status until idle (mapping preparing/
// transferring/programming to the ProgressFunc phases), then inspect
// error and restore the EEPROM snapshot on success.
func Flash(ctx context.Context, fw []byte, opts Options, progress ProgressFunc) error {
	if len(fw) > maxFirmwareSize {
		return bbferr.New(component, bbferr.InvalidFirmware, "firmware exceeds 32 KiB sysfs upload ceiling")
	}

	root := opts.sysfsRoot()

	var eeprom []byte
	if opts.PreserveEEPROM {
		var err error
		eeprom, err = os.ReadFile(opts.eepromPath())
		if err != nil {
			return bbferr.Wrap(component, bbferr.Io, "read eeprom for preservation", err)
		}
	}

	emit(progress, Preparing, 0)
	if err := writeSysfs(root, "loading", []byte("1")); err != nil {
		return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "write loading=1", err)
	}
	if err := writeSysfs(root, "data", fw); err != nil {
		return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "write firmware data", err)
	}
	if err := writeSysfs(root, "loading", []byte("0")); err != nil {
		return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "write loading=0", err)
	}

	if err := pollUntilIdle(ctx, root, len(fw), progress); err != nil {
		return err
	}

	if err := checkError(root); err != nil {
		return err
	}

	if opts.PreserveEEPROM {
		if err := os.WriteFile(opts.eepromPath(), eeprom, 0o644); err != nil {
			return bbferr.Wrap(component, bbferr.Io, "restore eeprom", err)
		}
	}
	return nil
}

func writeSysfs(root, name string, data []byte) error {
	return os.WriteFile(root+"/"+name, data, 0o644)
}

// readSysfsFresh reopens the node for every read; holding it open across
// reads is known to return stale values (spec §9).
func readSysfsFresh(root, name string) (string, error) {
	data, err := os.ReadFile(root + "/" + name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func pollUntilIdle(ctx context.Context, root string, fwLen int, progress ProgressFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "flash cancelled", err)
		}

		status, err := readSysfsFresh(root, "status")
		if err != nil {
			return bbferr.Wrap(component, bbferr.Io, "read status", err)
		}

		switch status {
		case "idle":
			return nil
		case "preparing":
			emit(progress, Preparing, 0)
		case "transferring":
			remaining, err := readSysfsFresh(root, "remaining_size")
			if err == nil {
				var remain int
				_, _ = fscanInt(remaining, &remain)
				if fwLen > 0 {
					emit(progress, Transferring, float64(fwLen-remain)/float64(fwLen))
				}
			}
		case "programming":
			emit(progress, Verifying, 0)
		}

		time.Sleep(pollInterval)
	}
}

// fscanInt parses a decimal integer without pulling in fmt.Sscanf's
// reflection machinery for a one-field sysfs value.
func fscanInt(s string, out *int) (int, error) {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, bbferr.New(component, bbferr.Io, "non-numeric remaining_size")
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return 1, nil
}

func checkError(root string) error {
	errVal, err := readSysfsFresh(root, "error")
	if err != nil {
		return bbferr.Wrap(component, bbferr.Io, "read error node", err)
	}
	switch errVal {
	case "", "none":
		return nil
	case "preparing:firmware-invalid":
		// Same firmware already installed; treated as a successful
		// idempotent re-flash (spec §4.7, E5).
		return nil
	default:
		stage, code, _ := strings.Cut(errVal, ":")
		return bbferr.New(component, bbferr.FlashFail, "mspm0 firmware_upload failed at "+stage+": "+code)
	}
}
