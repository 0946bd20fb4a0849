// Package msp430 drives the MSP430 USB BSL (bootstrap loader), talking HID
// reports to the on-chip ROM BSL and then to a secondary BSL uploaded into
// RAM (spec §4.6). Device open/close teardown follows the teacher's
// USBDevice resource-chain idiom; the secondary BSL image ships embedded
// the way the teacher embeds its hasher-server-mips binary.
package msp430

import (
	_ "embed"
	"time"

	"github.com/karalabe/hid"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/beagleboard/bbflash/internal/fwimage"
)

const component = "msp430"

const (
	vendorID  = 0x2047
	productID = 0x0200
)

const (
	reportHeader = 0x3F
	reportSize   = 64
)

// Commands (spec §4.6).
const (
	cmdRxPassword      = 0x11
	cmdRxDataBlockFast = 0x1B
	cmdLoadPC          = 0x17
	cmdTxBslVersion    = 0x19
)

const maxDataBlockBytes = 48

// secondaryBSLLoadAddr is where the secondary BSL image is uploaded and
// then jumped to via LOAD_PC.
const secondaryBSLLoadAddr = 0x2504

// expectedBSLVersion is the secondary BSL's declared version; a mismatch
// means the wrong image was uploaded or the chip reports an unexpected BSL.
var expectedBSLVersion = [4]byte{0x00, 0x06, 0x05, 0x34}

//go:embed secondary_bsl.txt
var secondaryBSLImage []byte

// hidDevice is the subset of *hid.Device the driver needs; tests
// substitute a fake.
type hidDevice interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// opener resolves VID/PID to an opened HID device; production code uses
// hidOpen, tests substitute a fake.
type opener func() (hidDevice, error)

func hidOpen() (hidDevice, error) {
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToStartBootloader, "enumerate hid devices", err)
	}
	if len(infos) == 0 {
		return nil, bbferr.New(component, bbferr.FailedToStartBootloader, "msp430 bsl device not found")
	}
	dev, err := infos[0].Open()
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToStartBootloader, "open hid device", err)
	}
	return dev, nil
}

// ProgressFunc receives the coarse Preparing/Flashing(0.5)/Done sequence
// described in spec §4.6; nil-safe.
type ProgressFunc func(fraction float64)

func emit(p ProgressFunc, f float64) {
	if p != nil {
		p(f)
	}
}

func sendReport(dev hidDevice, cmd byte, payload []byte) error {
	report := make([]byte, reportSize)
	report[0] = reportHeader
	report[1] = byte(1 + len(payload))
	report[2] = cmd
	copy(report[3:], payload)
	_, err := dev.Write(report)
	if err != nil {
		return bbferr.Wrap(component, bbferr.Io, "write hid report", err)
	}
	return nil
}

func readReport(dev hidDevice) ([]byte, error) {
	buf := make([]byte, reportSize)
	n, err := dev.Read(buf)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "read hid report", err)
	}
	if n < 2 || buf[0] != reportHeader {
		return nil, bbferr.New(component, bbferr.UnknownResponse, "malformed hid report")
	}
	length := int(buf[1])
	if 2+length > n {
		return nil, bbferr.New(component, bbferr.UnknownResponse, "truncated hid report")
	}
	return buf[2 : 2+length], nil
}

func le24(addr uint32) []byte {
	return []byte{byte(addr), byte(addr >> 8), byte(addr >> 16)}
}

func unlock(dev hidDevice) error {
	password := make([]byte, 32)
	for i := range password {
		password[i] = 0xFF
	}
	if err := sendReport(dev, cmdRxPassword, password); err != nil {
		return err
	}
	resp, err := readReport(dev)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != 0x00 {
		return bbferr.New(component, bbferr.UnlockFail, "unlock password rejected")
	}
	return nil
}

func massErase(dev hidDevice) error {
	password := make([]byte, 32) // all-zero tail triggers mass erase
	if err := sendReport(dev, cmdRxPassword, password); err != nil {
		return err
	}
	resp, err := readReport(dev)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] == 0x00 {
		return bbferr.New(component, bbferr.MassEraseFail, "mass erase status byte was zero")
	}
	return nil
}

func uploadImage(dev hidDevice, img *fwimage.Image) error {
	for _, seg := range img.Segments {
		addr := uint32(seg.Start)
		for off := 0; off < len(seg.Data); off += maxDataBlockBytes {
			end := off + maxDataBlockBytes
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			payload := append(le24(addr+uint32(off)), seg.Data[off:end]...)
			if err := sendReport(dev, cmdRxDataBlockFast, payload); err != nil {
				return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "upload block", err)
			}
		}
	}
	return nil
}

func loadPC(dev hidDevice, addr uint32) error {
	return sendReport(dev, cmdLoadPC, le24(addr))
}

func bslVersion(dev hidDevice) ([4]byte, error) {
	var out [4]byte
	if err := sendReport(dev, cmdTxBslVersion, nil); err != nil {
		return out, err
	}
	resp, err := readReport(dev)
	if err != nil {
		return out, err
	}
	if len(resp) < 5 {
		return out, bbferr.New(component, bbferr.UnknownResponse, "short bsl version response")
	}
	if resp[0] != 0x3A {
		return out, bbferr.New(component, bbferr.UnknownResponse, "bsl version response missing 0x3a tag")
	}
	copy(out[:], resp[1:5])
	return out, nil
}

// Flash runs the procedure from spec §4.6: mass-erase, unlock, upload the
// embedded secondary BSL, jump to it, verify its version, then upload the
// parsed user firmware image through the secondary BSL.
func Flash(img *fwimage.Image, progress ProgressFunc) error {
	return flash(hidOpen, img, progress)
}

func flash(open opener, img *fwimage.Image, progress ProgressFunc) error {
	dev, err := open()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := massErase(dev); err != nil {
		return err
	}
	time.Sleep(time.Second)

	if err := unlock(dev); err != nil {
		return err
	}

	secondaryBSL, err := fwimage.Parse(secondaryBSLImage, fwimage.ParseOptions{})
	if err != nil {
		return bbferr.Wrap(component, bbferr.InvalidFirmware, "parse embedded secondary bsl", err)
	}
	if err := uploadImage(dev, secondaryBSL); err != nil {
		return err
	}
	if err := loadPC(dev, secondaryBSLLoadAddr); err != nil {
		return bbferr.Wrap(component, bbferr.BslJumpFail, "jump to secondary bsl", err)
	}

	time.Sleep(time.Second)
	dev.Close()
	dev, err = open()
	if err != nil {
		return bbferr.Wrap(component, bbferr.FailedToStartBootloader, "reopen after secondary bsl jump", err)
	}
	defer dev.Close()

	gotVersion, err := bslVersion(dev)
	if err != nil {
		return err
	}
	if gotVersion != expectedBSLVersion {
		return bbferr.New(component, bbferr.BslVersionMismatch, "secondary bsl version mismatch")
	}

	emit(progress, 0.5)
	if err := uploadImage(dev, img); err != nil {
		return err
	}
	emit(progress, 1.0)
	return nil
}
