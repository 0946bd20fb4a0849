package sdwriter

import (
	"testing"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBmap = `<?xml version="1.0" ?>
<bmap>
  <BlockSize>1024</BlockSize>
  <ImageSize>32768</ImageSize>
  <BlockMap>
    <Range>0-1</Range>
    <Range>4-4</Range>
    <Range>10-31</Range>
  </BlockMap>
</bmap>`

func TestParseBmapValid(t *testing.T) {
	b, err := ParseBmap([]byte(sampleBmap))
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), b.BlockSize)
	assert.Equal(t, uint64(32768), b.ImageSize)
	require.Len(t, b.Blocks, 3)
	assert.Equal(t, BlockRange{First: 0, Last: 1}, b.Blocks[0])
	assert.Equal(t, BlockRange{First: 10, Last: 31}, b.Blocks[2])
}

func TestParseBmapByteRangeAndTotalMapped(t *testing.T) {
	b, err := ParseBmap([]byte(sampleBmap))
	require.NoError(t, err)

	start, end := b.ByteRange(b.Blocks[0])
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(2048), end)

	// (2 + 1 + 22) * 1024
	assert.Equal(t, uint64(25*1024), b.TotalMappedSize())
}

func TestParseBmapRejectsOverlap(t *testing.T) {
	_, err := ParseBmap([]byte(`<bmap><BlockSize>1024</BlockSize><ImageSize>32768</ImageSize>
		<BlockMap><Range>0-5</Range><Range>3-8</Range></BlockMap></bmap>`))
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidBmap))
}

func TestParseBmapRejectsOutOfBounds(t *testing.T) {
	_, err := ParseBmap([]byte(`<bmap><BlockSize>1024</BlockSize><ImageSize>1024</ImageSize>
		<BlockMap><Range>0-5</Range></BlockMap></bmap>`))
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidBmap))
}

func TestParseBmapRejectsMissingHeader(t *testing.T) {
	_, err := ParseBmap([]byte(`<bmap><BlockMap><Range>0-1</Range></BlockMap></bmap>`))
	require.Error(t, err)
	assert.True(t, bbferr.Is(err, bbferr.InvalidBmap))
}
