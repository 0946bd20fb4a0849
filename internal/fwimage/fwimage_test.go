package fwimage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTiTxt(t *testing.T) {
	src := "@2000\n01 02 03 04\n05 06\n@3000\n0A 0B\nq\n"
	img, err := Parse([]byte(src), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)
	assert.Equal(t, uint64(0x2000), img.Segments[0].Start)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, img.Segments[0].Data)
	assert.Equal(t, uint64(0x3000), img.Segments[1].Start)
	assert.Equal(t, []byte{0x0A, 0x0B}, img.Segments[1].Data)
}

func TestParseIntelHex(t *testing.T) {
	// :0300300002337A1E
	// :00000001FF (EOF)
	src := ":0300300002337A1E\n:00000001FF\n"
	img, err := Parse([]byte(src), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, uint64(0x0030), img.Segments[0].Start)
	assert.Equal(t, []byte{0x02, 0x33, 0x7A}, img.Segments[0].Data)
}

func TestParseIntelHexBadChecksum(t *testing.T) {
	src := ":0300300002337A1F\n:00000001FF\n"
	_, err := Parse([]byte(src), ParseOptions{})
	assert.Error(t, err)
}

func TestParseRawNoSplit(t *testing.T) {
	blob := make([]byte, 64)
	for i := range blob {
		blob[i] = byte(i)
	}
	img, err := Parse(blob, ParseOptions{SplitGaps: false})
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, blob, img.Segments[0].Data)
}

func TestParseRawSplitsLongFFRuns(t *testing.T) {
	blob := append([]byte{1, 2, 3, 4}, make([]byte, 40)...)
	for i := 4; i < len(blob); i++ {
		blob[i] = 0xFF
	}
	blob = append(blob, []byte{9, 9}...)

	img, err := Parse(blob, ParseOptions{SplitGaps: true})
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, img.Segments[0].Data)
	assert.Equal(t, []byte{9, 9}, img.Segments[1].Data)
}

func TestFlattenFillsGapsAndTruncates(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.AddSegment(Segment{Start: 10, Data: []byte{1, 2, 3}}))

	out, err := img.Flatten(0, 20, 0xAA)
	require.NoError(t, err)
	require.Len(t, out, 20)
	for i := 0; i < 10; i++ {
		assert.Equal(t, byte(0xAA), out[i])
	}
	assert.Equal(t, []byte{1, 2, 3}, out[10:13])
	for i := 13; i < 20; i++ {
		assert.Equal(t, byte(0xAA), out[i])
	}
}

func TestFlattenTruncatesPartiallyOutOfRange(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.AddSegment(Segment{Start: 5, Data: []byte{1, 2, 3, 4, 5}}))

	out, err := img.Flatten(0, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 1, 2}, out)
}

func TestAddSegmentMergesAbuttingRuns(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.AddSegment(Segment{Start: 0, Data: []byte{1, 2}}))
	require.NoError(t, img.AddSegment(Segment{Start: 2, Data: []byte{3, 4}}))

	require.Len(t, img.Segments, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, img.Segments[0].Data)
}

func TestAddSegmentRejectsOverlap(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.AddSegment(Segment{Start: 0, Data: []byte{1, 2, 3}}))
	err := img.AddSegment(Segment{Start: 1, Data: []byte{9}})
	assert.Error(t, err)
}

// Property 1 (binary-image round-trip): parse(serialize(I, range, fill)) ==
// I restricted to range, with gaps equal to fill.
func TestRoundTripThroughFlatten(t *testing.T) {
	img := &Image{}
	require.NoError(t, img.AddSegment(Segment{Start: 4, Data: []byte{1, 2, 3, 4}}))
	require.NoError(t, img.AddSegment(Segment{Start: 16, Data: []byte{5, 6}}))

	flat, err := img.Flatten(0, 32, 0xFF)
	require.NoError(t, err)

	reparsed, err := Parse(flat, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, reparsed.Segments, 1)
	assert.Equal(t, uint64(0), reparsed.Segments[0].Start)
	assert.Equal(t, flat, reparsed.Segments[0].Data)
}

func TestParseEmptyRawBlob(t *testing.T) {
	img, err := Parse([]byte{}, ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, img.Segments)
}

func TestParseTiTxtRejectsDataBeforeAddress(t *testing.T) {
	_, err := Parse([]byte("01 02\nq\n"), ParseOptions{})
	assert.Error(t, err)
}

func TestLooksLikeDetection(t *testing.T) {
	assert.True(t, looksLikeTiTxt([]byte("@0000\n01\nq\n")))
	assert.True(t, looksLikeIntelHex([]byte(":10000000")))
	assert.False(t, looksLikeTiTxt([]byte("plain binary junk")))
	assert.False(t, strings.HasPrefix("junk", ":"))
}
