package dfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceFractionSpansWholeSequence(t *testing.T) {
	assert.InDelta(t, 0.0, sequenceFraction(0, 2, 0.0), 1e-9)
	assert.InDelta(t, 0.5, sequenceFraction(0, 2, 1.0), 1e-9)
	assert.InDelta(t, 0.5, sequenceFraction(1, 2, 0.0), 1e-9)
	assert.InDelta(t, 1.0, sequenceFraction(1, 2, 1.0), 1e-9)
}

func TestParseInterfaceDescriptorsExtractsTriples(t *testing.T) {
	// A minimal config descriptor (9 bytes) followed by one interface
	// descriptor (9 bytes): bInterfaceNumber=0, bAlternateSetting=1,
	// iInterface=4.
	raw := []byte{
		9, 0x02, 0, 0, 1, 1, 0, 0x80, 50, // CONFIGURATION
		9, 0x04, 0, 1, 0, 0xFE, 1, 1, 4, // INTERFACE
	}
	got := parseInterfaceDescriptors(raw)
	assert.Len(t, got, 1)
	assert.Equal(t, 0, got[0].number)
	assert.Equal(t, 1, got[0].alternate)
	assert.Equal(t, byte(4), got[0].stringIndex)
}

func TestParseInterfaceDescriptorsHandlesMultiple(t *testing.T) {
	raw := []byte{
		9, 0x04, 0, 0, 0, 0xFE, 1, 1, 5,
		9, 0x04, 1, 0, 0, 0xFE, 1, 1, 6,
	}
	got := parseInterfaceDescriptors(raw)
	assert.Len(t, got, 2)
	assert.Equal(t, byte(5), got[0].stringIndex)
	assert.Equal(t, byte(6), got[1].stringIndex)
}

func TestParseInterfaceDescriptorsIgnoresTruncatedTrailer(t *testing.T) {
	raw := []byte{9, 0x02, 0, 0, 1, 1, 0, 0x80, 50, 3, 0x04}
	got := parseInterfaceDescriptors(raw)
	assert.Empty(t, got)
}
