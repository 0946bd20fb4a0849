// Package dfu implements a standard USB Device Firmware Upgrade (DFU)
// download driver (spec §4.8): locate a target interface on a specific
// (bus, port) USB device by its string descriptor, then push one or more
// images through the DFU class download state machine. The device-open and
// interface-claim resource-chain idiom is adapted from the teacher's gousb
// usage in internal/driver/device/usb_device.go; DFU itself is a class the
// teacher never speaks, so the download/status-poll loop is grounded on the
// standard DFU 1.1 class specification instead of an in-pack example.
package dfu

import (
	"context"
	"time"

	"github.com/google/gousb"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "dfu"

// Standard DFU class requests (bRequest), sent over the control endpoint
// with an interface-class bmRequestType.
const (
	reqDetach    = 0
	reqDnload    = 1
	reqGetStatus = 3
	reqClrStatus = 4
	reqGetState  = 5
)

const (
	bmRequestOut = 0x21 // host-to-device | class | interface
	bmRequestIn  = 0xA1 // device-to-host | class | interface
)

// DFU device states (bState, per the GETSTATUS response).
const (
	stateDnloadSync      = 3
	stateDnbusy          = 4
	stateDnloadIdle      = 5
	stateManifestSync    = 6
	stateManifest        = 7
	stateManifestWaitRst = 8
	stateError           = 10
)

// defaultTransferSize is used when a device does not declare a DFU
// functional descriptor wTransferSize; conservative and well within any
// USB 2.0 control/bulk MTU.
const defaultTransferSize = 2048

// reopenAttempts/reopenDelay implement the "known re-enumeration race"
// retry spec §7 calls out for DFU.
const reopenAttempts = 10

var reopenDelay = 300 * time.Millisecond

// Image is one named DFU interface's payload.
type Image struct {
	InterfaceName string
	Data          []byte
}

// Target identifies the USB device and the interfaces to program.
type Target struct {
	BusNum    int
	PortNum   int
	VendorID  uint16
	ProductID uint16
}

// ProgressFunc receives the whole-sequence fraction in [0,1], computed per
// spec §4.8 as (index/n_images) + (fraction/n_images).
type ProgressFunc func(fraction float64)

func emit(p ProgressFunc, f float64) {
	if p != nil {
		p(f)
	}
}

// Flash opens tgt, resolves each image's named interface, and downloads
// them in sequence. Between images the driver sleeps one second to let the
// target re-enumerate (spec §4.8); cancellation is checked between images.
//
// The tiboot3.bin quirk: that image's device detaches mid-handshake, so a
// transport error downloading it is swallowed rather than surfaced.
func Flash(ctx context.Context, tgt Target, images []Image, progress ProgressFunc) error {
	ctxUSB := gousb.NewContext()
	defer ctxUSB.Close()

	n := len(images)
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "flash cancelled", err)
		}

		err := flashOneWithRetry(ctxUSB, tgt, img, func(f float64) {
			emit(progress, sequenceFraction(i, n, f))
		})
		if err != nil {
			if img.InterfaceName == "tiboot3.bin" {
				continue // detaches before completing the handshake; expected
			}
			return err
		}

		if i < n-1 {
			time.Sleep(time.Second)
		}
	}
	return nil
}

// sequenceFraction computes the whole-sequence progress fraction for image
// index out of n total images, each reporting its own [0,1] fraction
// (spec §4.8: (index/n_images) + (fraction/n_images)).
func sequenceFraction(index, n int, fraction float64) float64 {
	return float64(index)/float64(n) + fraction/float64(n)
}

func flashOneWithRetry(ctxUSB *gousb.Context, tgt Target, img Image, progress func(float64)) error {
	var dev *gousb.Device
	var err error
	for attempt := 0; attempt < reopenAttempts; attempt++ {
		dev, err = openAtBusPort(ctxUSB, tgt)
		if err == nil {
			break
		}
		time.Sleep(reopenDelay)
	}
	if err != nil {
		return err
	}
	defer dev.Close()
	return flashOne(dev, img, progress)
}

func openAtBusPort(ctxUSB *gousb.Context, tgt Target) (*gousb.Device, error) {
	devices, err := ctxUSB.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == tgt.BusNum && desc.Port == tgt.PortNum &&
			uint16(desc.Vendor) == tgt.VendorID && uint16(desc.Product) == tgt.ProductID
	})
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "enumerate usb devices", err)
	}
	if len(devices) == 0 {
		return nil, bbferr.New(component, bbferr.FailedToOpenDestination, "no matching dfu device at bus/port")
	}
	for _, d := range devices[1:] {
		d.Close()
	}
	return devices[0], nil
}

// Standard (not class-specific) control requests used to read descriptors
// directly off the wire; gousb's high-level InterfaceSetting does not carry
// an interface's iInterface string index, so the raw configuration
// descriptor is walked by hand the same way dfu-util does it.
const (
	reqStdGetDescriptor = 0x06
	descTypeString      = 0x03
	descTypeInterface   = 0x04
	langIDEnglishUS     = 0x0409
)

// namedInterface is one (interface, alt setting, string index) triple
// parsed out of a raw USB configuration descriptor.
type namedInterface struct {
	number      int
	alternate   int
	stringIndex byte
}

// parseInterfaceDescriptors walks a raw configuration descriptor's
// TLV-encoded entries and extracts every interface descriptor's
// (bInterfaceNumber, bAlternateSetting, iInterface).
func parseInterfaceDescriptors(raw []byte) []namedInterface {
	var out []namedInterface
	for i := 0; i+1 < len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			break
		}
		descType := raw[i+1]
		if descType == descTypeInterface && length >= 9 {
			out = append(out, namedInterface{
				number:      int(raw[i+2]),
				alternate:   int(raw[i+3]),
				stringIndex: raw[i+8],
			})
		}
		i += length
	}
	return out
}

// getStringDescriptorASCII issues a standard GET_DESCRIPTOR(STRING)
// request and decodes the UTF-16LE payload to ASCII-range text.
func getStringDescriptorASCII(dev *gousb.Device, index byte) (string, error) {
	if index == 0 {
		return "", bbferr.New(component, bbferr.FailedToOpenDestination, "interface has no string descriptor")
	}
	buf := make([]byte, 255)
	n, err := dev.Control(0x80, reqStdGetDescriptor, uint16(descTypeString)<<8|uint16(index), langIDEnglishUS, buf)
	if err != nil {
		return "", bbferr.Wrap(component, bbferr.Io, "read string descriptor", err)
	}
	if n < 2 {
		return "", bbferr.New(component, bbferr.UnknownResponse, "short string descriptor")
	}
	payload := buf[2:n]
	out := make([]byte, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		out = append(out, payload[i])
	}
	return string(out), nil
}

// findInterface walks the device's active configuration descriptor,
// reading each interface's string descriptor to find the one matching
// name, and returns its (interface_number, setting_number).
func findInterface(dev *gousb.Device, name string) (ifaceNum, altNum int, err error) {
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return 0, 0, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "read active config", err)
	}

	raw := make([]byte, 4096)
	n, err := dev.Control(0x80, reqStdGetDescriptor, 0x0200|uint16(cfgNum-1)&0xFF, 0, raw)
	if err != nil {
		return 0, 0, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "read configuration descriptor", err)
	}

	for _, iface := range parseInterfaceDescriptors(raw[:n]) {
		s, err := getStringDescriptorASCII(dev, iface.stringIndex)
		if err != nil {
			continue
		}
		if s == name {
			return iface.number, iface.alternate, nil
		}
	}
	return 0, 0, bbferr.New(component, bbferr.FailedToOpenDestination, "no dfu interface named "+name)
}

func flashOne(dev *gousb.Device, img Image, progress func(float64)) error {
	ifaceNum, altNum, err := findInterface(dev, img.InterfaceName)
	if err != nil {
		return err
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return bbferr.Wrap(component, bbferr.FailedToOpenDestination, "read active config", err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return bbferr.Wrap(component, bbferr.FailedToOpenDestination, "select config", err)
	}
	defer cfg.Close()

	intf, err := cfg.Interface(ifaceNum, altNum)
	if err != nil {
		return bbferr.Wrap(component, bbferr.FailedToOpenDestination, "claim dfu interface", err)
	}
	defer intf.Close()

	if err := download(dev, ifaceNum, img.Data, progress); err != nil {
		return err
	}

	_ = dev.Reset()
	return nil
}

func download(dev *gousb.Device, ifaceNum int, data []byte, progress func(float64)) error {
	total := len(data)
	block := uint16(0)

	for offset := 0; offset < total || offset == 0; {
		end := offset + defaultTransferSize
		if end > total {
			end = total
		}
		chunk := data[offset:end]

		if _, err := dev.Control(bmRequestOut, reqDnload, block, uint16(ifaceNum), chunk); err != nil {
			return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "dfu download block", err)
		}
		if err := waitIdleAfterDownload(dev, ifaceNum); err != nil {
			return err
		}

		offset = end
		block++
		if total > 0 {
			progress(float64(offset) / float64(total))
		}
		if offset >= total {
			break
		}
	}

	// Zero-length DNLOAD signals end of transfer and triggers manifestation.
	if _, err := dev.Control(bmRequestOut, reqDnload, block, uint16(ifaceNum), nil); err != nil {
		return bbferr.Wrap(component, bbferr.FirmwareWriteFail, "dfu end-of-transfer", err)
	}
	return waitManifestation(dev, ifaceNum)
}

func getStatus(dev *gousb.Device, ifaceNum int) (state byte, pollTimeout time.Duration, err error) {
	resp := make([]byte, 6)
	if _, err := dev.Control(bmRequestIn, reqGetStatus, 0, uint16(ifaceNum), resp); err != nil {
		return 0, 0, bbferr.Wrap(component, bbferr.Io, "dfu getstatus", err)
	}
	ms := uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16
	return resp[4], time.Duration(ms) * time.Millisecond, nil
}

func waitIdleAfterDownload(dev *gousb.Device, ifaceNum int) error {
	for {
		state, wait, err := getStatus(dev, ifaceNum)
		if err != nil {
			return err
		}
		switch state {
		case stateDnloadIdle, stateDnloadSync:
			return nil
		case stateDnbusy:
			time.Sleep(wait)
		case stateError:
			return bbferr.New(component, bbferr.FirmwareWriteFail, "dfu device entered error state")
		default:
			return nil
		}
	}
}

func waitManifestation(dev *gousb.Device, ifaceNum int) error {
	for i := 0; i < reopenAttempts; i++ {
		state, wait, err := getStatus(dev, ifaceNum)
		if err != nil {
			return err
		}
		switch state {
		case stateManifestSync, stateManifest:
			time.Sleep(wait)
			continue
		case stateManifestWaitRst:
			return nil
		case stateError:
			return bbferr.New(component, bbferr.FirmwareWriteFail, "dfu manifestation failed")
		default:
			return nil
		}
	}
	return nil
}
