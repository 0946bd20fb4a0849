package mspm0

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

// fakeSysfs lays out a firmware_upload-shaped directory whose status is
// already "idle" with remaining_size 0, so the poll loop sees a finished
// transfer on its first pass and then reads finalError.
func fakeSysfs(t *testing.T, finalError string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "status"), []byte("idle"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "error"), []byte(finalError), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "remaining_size"), []byte("0"), 0o644))
	return root
}

func TestFlashSuccess(t *testing.T) {
	root := fakeSysfs(t, "none")
	pollInterval = time.Millisecond

	err := Flash(context.Background(), []byte{1, 2, 3, 4}, Options{SysfsRoot: root}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "data"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestFlashTreatsUnchangedFirmwareAsSuccess(t *testing.T) {
	root := fakeSysfs(t, "preparing:firmware-invalid")
	pollInterval = time.Millisecond

	err := Flash(context.Background(), []byte{1}, Options{SysfsRoot: root}, nil)
	require.NoError(t, err)
}

func TestFlashSurfacesOtherErrors(t *testing.T) {
	root := fakeSysfs(t, "transferring:crc-mismatch")
	pollInterval = time.Millisecond

	err := Flash(context.Background(), []byte{1}, Options{SysfsRoot: root}, nil)
	require.Error(t, err)
	require.True(t, bbferr.Is(err, bbferr.FlashFail))
}

func TestFlashRejectsOversizeFirmware(t *testing.T) {
	root := fakeSysfs(t, "none")
	big := make([]byte, 32*1024+1)

	err := Flash(context.Background(), big, Options{SysfsRoot: root}, nil)
	require.True(t, bbferr.Is(err, bbferr.InvalidFirmware))
}

func TestFlashPreservesEEPROM(t *testing.T) {
	root := fakeSysfs(t, "none")
	eepromPath := filepath.Join(t.TempDir(), "eeprom")
	require.NoError(t, os.WriteFile(eepromPath, []byte("factory-data"), 0o644))
	pollInterval = time.Millisecond

	err := Flash(context.Background(), []byte{9}, Options{
		SysfsRoot:      root,
		EEPROMPath:     eepromPath,
		PreserveEEPROM: true,
	}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(eepromPath)
	require.NoError(t, err)
	require.Equal(t, "factory-data", string(data))
}

func TestFlashCancellation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "status"), []byte("transferring"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "remaining_size"), []byte("1"), 0o644))
	pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var fired int32
	go func() {
		time.Sleep(5 * time.Millisecond)
		atomic.StoreInt32(&fired, 1)
		cancel()
	}()

	err := Flash(ctx, []byte{1}, Options{SysfsRoot: root}, nil)
	require.True(t, bbferr.Is(err, bbferr.Aborted))
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
