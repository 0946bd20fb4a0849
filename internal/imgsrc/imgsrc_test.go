package imgsrc

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestDetectCompressionRaw(t *testing.T) {
	c, head, err := DetectCompression(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, None, c)
	assert.Equal(t, []byte("hello "), head)
}

func TestDetectCompressionXZ(t *testing.T) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c, _, err := DetectCompression(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, XZ, c)
}

func TestOpenFileRaw(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "img-*.bin")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src, err := OpenFile(f.Name())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, None, src.Compression)
	assert.Equal(t, uint64(10), src.TotalSize)
	data, err := io.ReadAll(src.Reader)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestOpenFileXZ(t *testing.T) {
	path := t.TempDir() + "/img.xz"
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := xz.NewWriter(f)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("A"), 4096)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, XZ, src.Compression)
	assert.Equal(t, uint64(len(payload)), src.TotalSize)
	data, err := io.ReadAll(src.Reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestOpenPipedAppliesSuppliedTotalSize(t *testing.T) {
	src, err := OpenPiped(bytes.NewReader([]byte("abcdef")), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), src.TotalSize)
	data, err := io.ReadAll(src.Reader)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestPipeStreamProducerConsumer(t *testing.T) {
	ps, err := NewPipeStream()
	require.NoError(t, err)
	defer ps.Close()

	r := ps.NewReader()

	_, err = ps.Write([]byte("hello "))
	require.NoError(t, err)

	buf := make([]byte, 6)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "hello ", string(buf))

	_, err = ps.Write([]byte("world"))
	require.NoError(t, err)
	ps.CloseProducer()

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))
}

func TestPipeStreamReadBlocksUntilProducerWritesOrCloses(t *testing.T) {
	ps, err := NewPipeStream()
	require.NoError(t, err)
	defer ps.Close()
	r := ps.NewReader()

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	ps.CloseProducer()
	select {
	case data := <-done:
		assert.Empty(t, data)
	}
}
