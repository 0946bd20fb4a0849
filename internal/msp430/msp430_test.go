package msp430

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/beagleboard/bbflash/internal/fwimage"
)

// fakeHID drives the RX_PASSWORD/RX_DATA_BLOCK_FAST/LOAD_PC/TX_BSL_VERSION
// sequence well enough to exercise Flash end to end.
type fakeHID struct {
	writes         [][]byte
	reopenedCount  int
	bslVersionResp [4]byte
	closed         bool
}

func (f *fakeHID) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeHID) Read(p []byte) (int, error) {
	last := f.writes[len(f.writes)-1]
	cmd := last[2]
	report := make([]byte, reportSize)
	report[0] = reportHeader

	switch cmd {
	case cmdRxPassword:
		allZero := true
		for _, b := range last[3:35] {
			if b != 0 {
				allZero = false
				break
			}
		}
		report[1] = 2
		if allZero {
			report[3] = 0x01 // mass erase: non-zero status at payload[1]
		} else {
			report[2] = 0x00 // unlock: zero status at payload[0]
		}
	case cmdTxBslVersion:
		report[1] = 5
		report[2] = 0x3A
		copy(report[3:7], f.bslVersionResp[:])
	default:
		report[1] = 0
	}
	n := copy(p, report)
	return n, nil
}

func (f *fakeHID) Close() error {
	f.closed = true
	return nil
}

func fakeOpener(devs ...*fakeHID) opener {
	i := 0
	return func() (hidDevice, error) {
		d := devs[i]
		if i < len(devs)-1 {
			i++
		}
		return d, nil
	}
}

func TestFlashSucceedsWithMatchingBSLVersion(t *testing.T) {
	first := &fakeHID{}
	second := &fakeHID{bslVersionResp: expectedBSLVersion}
	img := &fwimage.Image{Segments: []fwimage.Segment{{Start: 0xF000, Data: []byte{1, 2, 3, 4, 5}}}}

	var fractions []float64
	err := flash(fakeOpener(first, second), img, func(f float64) { fractions = append(fractions, f) })
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.0}, fractions)
	assert.True(t, first.closed)
}

func TestFlashRejectsBSLVersionMismatch(t *testing.T) {
	first := &fakeHID{}
	second := &fakeHID{bslVersionResp: [4]byte{0xDE, 0xAD, 0xBE, 0xEF}}
	img := &fwimage.Image{Segments: []fwimage.Segment{{Start: 0, Data: []byte{1}}}}

	err := flash(fakeOpener(first, second), img, nil)
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.BslVersionMismatch))
}

func TestEmbeddedSecondaryBSLParsesAsValidImage(t *testing.T) {
	img, err := fwimage.Parse(secondaryBSLImage, fwimage.ParseOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, img.Segments)
	assert.Equal(t, uint64(0x2504), img.Segments[0].Start)
}

func TestLe24Encoding(t *testing.T) {
	assert.Equal(t, []byte{0x04, 0x25, 0x00}, le24(0x2504))
}
