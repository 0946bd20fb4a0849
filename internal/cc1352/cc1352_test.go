package cc1352

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/beagleboard/bbflash/internal/fwimage"
)

// fakePort emulates the ROM bootloader's command/ack framing closely
// enough to drive Client/Flash through their real code paths.
type fakePort struct {
	readBuf    bytes.Buffer
	writes     [][]byte
	statusByte byte
	crcValue   uint32
}

func (f *fakePort) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	f.respond(cp)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) { return f.readBuf.Read(p) }
func (f *fakePort) Close() error                { return nil }
func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) Break(time.Duration) error          { return nil }

func (f *fakePort) writeDataResponse(payload []byte) {
	f.readBuf.WriteByte(byte(len(payload) + 2))
	f.readBuf.WriteByte(0x00)
	f.readBuf.Write(payload)
}

func (f *fakePort) respond(p []byte) {
	if len(p) == 2 && p[0] == 0x55 && p[1] == 0x55 {
		f.readBuf.WriteByte(ack)
		return
	}
	if len(p) == 2 && p[0] == 0x00 && p[1] == ack {
		return // host ACKing a data response; nothing further to send
	}
	if len(p) < 3 {
		return
	}
	switch p[2] {
	case cmdGetStatus:
		f.writeDataResponse([]byte{f.statusByte})
	case cmdCRC32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, f.crcValue)
		f.writeDataResponse(b)
	case cmdBankErase, cmdDownload, cmdSendData, cmdReset:
		f.readBuf.WriteByte(ack)
	}
}

func newTestClient(t *testing.T, fp *fakePort) *Client {
	c, err := newClient(context.Background(), fp)
	require.NoError(t, err)
	return c
}

func TestInvokeBootloaderSyncsOverBreakAndAck(t *testing.T) {
	fp := &fakePort{statusByte: statusOK}
	c := newTestClient(t, fp)
	assert.NotNil(t, c)
	require.Len(t, fp.writes, 1)
	assert.Equal(t, []byte{0x55, 0x55}, fp.writes[0])
}

func TestFlashIsNoOpWhenDeviceCRCAlreadyMatches(t *testing.T) {
	img := &fwimage.Image{Segments: []fwimage.Segment{{Start: 0, Data: []byte{1, 2, 3, 4}}}}
	flat, err := img.Flatten(0, flashRegionSize, 0xFF)
	require.NoError(t, err)

	fp := &fakePort{statusByte: statusOK, crcValue: crc32.ChecksumIEEE(flat)}
	c := newTestClient(t, fp)

	var lastFraction float64
	err = Flash(context.Background(), c, img, Options{}, func(f float64) { lastFraction = f })
	require.NoError(t, err)
	assert.Equal(t, 1.0, lastFraction)

	for _, w := range fp.writes {
		if len(w) >= 3 {
			assert.NotEqual(t, byte(cmdBankErase), w[2], "no-op flash must not erase")
		}
	}
}

func TestFlashErasesAndSendsDataWhenCRCDiffers(t *testing.T) {
	img := &fwimage.Image{Segments: []fwimage.Segment{{Start: 0x1000, Data: bytes.Repeat([]byte{0xAB}, 10)}}}
	fp := &fakePort{statusByte: statusOK, crcValue: 0xDEADBEEF}
	c := newTestClient(t, fp)

	err := Flash(context.Background(), c, img, Options{}, nil)
	require.NoError(t, err)

	sawErase, sawDownload, sawSendData := false, false, false
	for _, w := range fp.writes {
		if len(w) >= 3 {
			switch w[2] {
			case cmdBankErase:
				sawErase = true
			case cmdDownload:
				sawDownload = true
			case cmdSendData:
				sawSendData = true
			}
		}
	}
	assert.True(t, sawErase)
	assert.True(t, sawDownload)
	assert.True(t, sawSendData)
}

func TestFlashAbortsOnFlashFailStatus(t *testing.T) {
	img := &fwimage.Image{Segments: []fwimage.Segment{{Start: 0, Data: []byte{1, 2, 3}}}}
	fp := &fakePort{statusByte: statusFlashFail, crcValue: 0x1}
	c := newTestClient(t, fp)

	err := Flash(context.Background(), c, img, Options{}, nil)
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.FlashFail))
}

func TestSendDataPanicsOnOversizedChunk(t *testing.T) {
	fp := &fakePort{statusByte: statusOK}
	c := newTestClient(t, fp)
	assert.Panics(t, func() {
		c.sendData(make([]byte, maxSendDataChunk+1))
	})
}

func TestChecksumMatchesSpecFormula(t *testing.T) {
	// checksum = (sum of cmd and payload bytes) mod 256
	got := checksum(0x21, []byte{0x00, 0x00, 0x10, 0x00})
	assert.Equal(t, byte((0x21+0x10)%256), got)
}
