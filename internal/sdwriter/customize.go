package sdwriter

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// fatPartitionType is the MBR system id for a FAT boot partition (spec §6).
const fatPartitionType = 0x0C

// fatDevice is the random-access surface the diskfs mbr/fat32 readers need.
// *BlockCache satisfies it directly.
type fatDevice interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.WriterAt
}

const (
	osAppendCreate = os.O_RDWR | os.O_CREATE | os.O_APPEND
	osTruncCreate  = os.O_RDWR | os.O_CREATE | os.O_TRUNC
)

// Customization is the caller-supplied sysconf request (spec §4.4).
type Customization struct {
	Hostname       string
	Timezone       string
	Keymap         string
	UserName       string
	UserPassword   string
	SSHKey         string
	USBDHCPEnable  *bool
	WifiSSID       string
	WifiPassphrase string
}

// Validate enforces the caller-visible checks from spec §4.4: a non-empty,
// non-root username whenever a user entry is requested, and matched
// SSID/PSK presence.
func (c *Customization) Validate() error {
	if c == nil {
		return nil
	}
	if c.UserName != "" || c.UserPassword != "" {
		if c.UserName == "" {
			return bbferr.New(component, bbferr.InvalidCustomization, "user_password set without user_name")
		}
		if c.UserName == "root" {
			return bbferr.New(component, bbferr.InvalidCustomization, "user_name must not be root")
		}
	}
	if (c.WifiSSID == "") != (c.WifiPassphrase == "") {
		return bbferr.New(component, bbferr.InvalidCustomization, "wifi ssid and passphrase must both be set or both be empty")
	}
	return nil
}

func (c *Customization) sysconfLines() []string {
	var lines []string
	add := func(k, v string) {
		if v != "" {
			lines = append(lines, k+"="+v)
		}
	}
	add("hostname", c.Hostname)
	add("timezone", c.Timezone)
	add("keymap", c.Keymap)
	add("user_name", c.UserName)
	add("user_password", c.UserPassword)
	add("ssh_key", c.SSHKey)
	if c.WifiSSID != "" {
		add("iwd_psk_file", c.WifiSSID+".psk")
	}
	if c.USBDHCPEnable != nil {
		v := "no"
		if *c.USBDHCPEnable {
			v = "yes"
		}
		lines = append(lines, "usb_dhcp_enable="+v)
	}
	return lines
}

func (c *Customization) pskFileContents() string {
	return fmt.Sprintf("[Security]\nPassphrase=%s\n\n[Settings]\nAutoConnect=true\n", c.WifiPassphrase)
}

// SysconfLines exposes the append-ready key=value lines this customization
// produces, for callers (e.g. internal/sshdeploy) that push the same
// content over a channel other than the FAT partition writer.
func (c *Customization) SysconfLines() []string { return c.sysconfLines() }

// Wifi returns the SSID and psk-file contents this customization would
// write, or ("", "") if no Wi-Fi was requested.
func (c *Customization) Wifi() (ssid, pskContents string) {
	if c.WifiSSID == "" {
		return "", ""
	}
	return c.WifiSSID, c.pskFileContents()
}

// Customize performs the post-write sysconf step (spec §4.4): locate the
// FAT boot partition via the MBR, mount it through dev (normally wrapped
// in a BlockCache), append sysconf.txt, and write the Wi-Fi psk file.
func Customize(dev fatDevice, c *Customization) error {
	if c == nil {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}

	table, err := mbr.Read(dev, BlockSize, BlockSize)
	if err != nil {
		return bbferr.Wrap(component, bbferr.InvalidPartitionTable, "read mbr", err)
	}
	if len(table.Partitions) < 1 {
		return bbferr.New(component, bbferr.InvalidBootPartition, "mbr has no partitions")
	}
	boot := table.Partitions[0]
	if boot == nil || byte(boot.Type) != fatPartitionType {
		return bbferr.New(component, bbferr.InvalidBootPartition, "partition 1 is not a FAT (0x0C) partition")
	}

	startByte := int64(boot.Start) * BlockSize
	sizeByte := int64(boot.Size) * BlockSize

	fs, err := fat32.Read(dev, sizeByte, startByte, BlockSize)
	if err != nil {
		return bbferr.Wrap(component, bbferr.InvalidBootPartition, "mount fat partition", err)
	}

	if err := appendSysconf(fs, c.sysconfLines()); err != nil {
		return bbferr.Wrap(component, bbferr.SysconfWriteFail, "write sysconf.txt", err)
	}

	if c.WifiSSID != "" {
		if err := writeWifiPsk(fs, c.WifiSSID, c.pskFileContents()); err != nil {
			return bbferr.Wrap(component, bbferr.WifiSetupFail, "write wifi psk", err)
		}
	}

	return nil
}

func appendSysconf(fs filesystem.FileSystem, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := fs.OpenFile("/sysconf.txt", osAppendCreate)
	if err != nil {
		return err
	}
	defer f.Close()

	content := strings.Join(lines, "\n") + "\n"
	_, err = f.Write([]byte(content))
	return err
}

func writeWifiPsk(fs filesystem.FileSystem, ssid, contents string) error {
	// Ignore the error: Mkdir on an already-existing directory is harmless,
	// and a real failure surfaces from the OpenFile below anyway.
	_ = fs.Mkdir("/services")
	f, err := fs.OpenFile("/services/"+ssid+".psk", osTruncCreate)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(contents))
	return err
}
