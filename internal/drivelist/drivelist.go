// Package drivelist defines the drive enumeration collaborator contract
// (spec component C4) and ships a conservative gopsutil-backed reference
// implementation, structured after the probe-and-fallback shape of
// pkg/hashing/hardware/device_detector.go.
package drivelist

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "drivelist"

// Drive describes one block device as required by spec §4.9.
type Drive struct {
	Name              string
	Path              string
	RawPath           string
	SizeBytes         uint64
	Mountpoints       []string
	IsRemovable       bool
	IsVirtual         bool
	IsSystem          bool
	IsCard            bool
	BlockSizeLogical  uint64
	BlockSizePhysical uint64
}

// Lister is the collaborator contract the SD writer (C5) consumes.
type Lister interface {
	List(ctx context.Context) ([]Drive, error)
}

// Removable filters a drive slice down to the SD writer's eligible target
// set: is_removable && !is_virtual.
func Removable(drives []Drive) []Drive {
	out := make([]Drive, 0, len(drives))
	for _, d := range drives {
		if d.IsRemovable && !d.IsVirtual {
			out = append(out, d)
		}
	}
	return out
}

// GopsutilLister is a cross-platform fallback Lister built on
// gopsutil/v3/disk. It is intentionally conservative: a drive it cannot
// positively classify as removable is reported non-removable, never the
// reverse, since the SD writer's safety properties (spec §8) depend on
// this contract. A desktop shell should prefer a native
// udisks2/IOKit/SetupAPI Lister where precision matters (e.g. identifying
// SD cards specifically, which gopsutil cannot).
type GopsutilLister struct{}

func (GopsutilLister) List(ctx context.Context) ([]Drive, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "list partitions", err)
	}

	byDevice := map[string]*Drive{}
	order := []string{}
	for _, p := range parts {
		d, ok := byDevice[p.Device]
		if !ok {
			d = &Drive{
				Name:    p.Device,
				Path:    p.Device,
				RawPath: rawPathFor(p.Device),
			}
			byDevice[p.Device] = d
			order = append(order, p.Device)
		}
		d.Mountpoints = append(d.Mountpoints, p.Mountpoint)

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err == nil {
			d.SizeBytes = usage.Total
		}

		if isRootMountpoint(p.Mountpoint) {
			d.IsSystem = true
		}
		if isVirtualFS(p.Fstype) {
			d.IsVirtual = true
		}
	}

	drives := make([]Drive, 0, len(order))
	for _, dev := range order {
		d := byDevice[dev]
		d.IsRemovable = classifyRemovable(*d)
		d.BlockSizeLogical = 512
		d.BlockSizePhysical = 512
		drives = append(drives, *d)
	}
	return drives, nil
}

func rawPathFor(device string) string {
	switch runtime.GOOS {
	case "darwin":
		return strings.Replace(device, "/dev/disk", "/dev/rdisk", 1)
	default:
		return device
	}
}

func isRootMountpoint(mountpoint string) bool {
	switch runtime.GOOS {
	case "windows":
		return strings.EqualFold(mountpoint, `C:\`)
	default:
		return mountpoint == "/"
	}
}

func isVirtualFS(fstype string) bool {
	switch strings.ToLower(fstype) {
	case "tmpfs", "devtmpfs", "overlay", "squashfs", "proc", "sysfs", "devfs", "autofs":
		return true
	default:
		return false
	}
}

// classifyRemovable is deliberately conservative: a system mountpoint is
// never removable, and only a narrow allow-list of device-name shapes is
// treated as removable media.
func classifyRemovable(d Drive) bool {
	if d.IsSystem || d.IsVirtual {
		return false
	}
	switch runtime.GOOS {
	case "linux":
		// /dev/sdX, /dev/mmcblkX (SD/MMC) are plausibly removable; NVMe
		// is not, and a partition mounted at / was already excluded above
		// as a system drive.
		base := strings.TrimPrefix(d.Name, "/dev/")
		return strings.HasPrefix(base, "sd") || strings.HasPrefix(base, "mmcblk")
	case "darwin":
		// disk0 is conventionally the internal boot disk.
		return strings.HasPrefix(d.Name, "/dev/disk") && !strings.HasPrefix(d.Name, "/dev/disk0")
	case "windows":
		return !isRootMountpoint(firstOrEmpty(d.Mountpoints))
	default:
		return false
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
