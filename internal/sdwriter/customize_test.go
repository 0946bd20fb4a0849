package sdwriter

import (
	"testing"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomizationValidateRejectsRootUser(t *testing.T) {
	c := &Customization{UserName: "root", UserPassword: "x"}
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidCustomization))
}

func TestCustomizationValidateRejectsPasswordWithoutUser(t *testing.T) {
	c := &Customization{UserPassword: "x"}
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidCustomization))
}

func TestCustomizationValidateRejectsMismatchedWifiFields(t *testing.T) {
	c := &Customization{WifiSSID: "home"}
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidCustomization))
}

func TestCustomizationValidateAcceptsWellFormedRequest(t *testing.T) {
	c := &Customization{
		UserName:       "debian",
		UserPassword:   "temppwd",
		WifiSSID:       "home",
		WifiPassphrase: "secret",
	}
	assert.NoError(t, c.Validate())
}

func TestSysconfLinesOmitsUnsetFields(t *testing.T) {
	c := &Customization{Hostname: "beaglebone"}
	lines := c.sysconfLines()
	assert.Equal(t, []string{"hostname=beaglebone"}, lines)
}

func TestSysconfLinesIncludesPskFileAndDHCPFlag(t *testing.T) {
	enable := true
	c := &Customization{
		WifiSSID:       "home",
		WifiPassphrase: "secret",
		USBDHCPEnable:  &enable,
	}
	lines := c.sysconfLines()
	assert.Contains(t, lines, "iwd_psk_file=home.psk")
	assert.Contains(t, lines, "usb_dhcp_enable=yes")
}

func TestPskFileContents(t *testing.T) {
	c := &Customization{WifiPassphrase: "secret"}
	got := c.pskFileContents()
	assert.Contains(t, got, "Passphrase=secret")
	assert.Contains(t, got, "AutoConnect=true")
}
