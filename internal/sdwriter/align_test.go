package sdwriter

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedReaderPadsFinalBlock(t *testing.T) {
	src := bytes.NewReader(make([]byte, 700)) // not a multiple of BlockSize
	ar := NewAlignedReader(src)

	var total int
	buf := make([]byte, BlockSize)
	for {
		n, err := ar.ReadAligned(buf)
		total += n
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	// Property 2: total bytes returned is ceil(700/512)*512.
	assert.Equal(t, 2*BlockSize, total)
}

func TestAlignedReaderExactMultipleNoExtraPadding(t *testing.T) {
	src := bytes.NewReader(make([]byte, 1024))
	ar := NewAlignedReader(src)

	buf := make([]byte, BlockSize)
	n1, err := ar.ReadAligned(buf)
	require.NoError(t, err)
	assert.Equal(t, BlockSize, n1)

	n2, err := ar.ReadAligned(buf)
	require.NoError(t, err)
	assert.Equal(t, BlockSize, n2)

	n3, err := ar.ReadAligned(buf)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n3)
}

func TestAlignedReaderPanicsOnMisalignedBuffer(t *testing.T) {
	ar := NewAlignedReader(bytes.NewReader(nil))
	assert.Panics(t, func() {
		ar.ReadAligned(make([]byte, 100))
	})
}
