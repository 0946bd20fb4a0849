package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadVerifiedNameEqualsContent(t *testing.T) {
	payload := []byte("beagleboard firmware bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	path, err := c.DownloadVerified(context.Background(), srv.URL, sum[:])
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(path), hexString(sum[:]))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Property: file's SHA-256 equals the hex suffix of its name.
	gotSum := sha256.Sum256(got)
	assert.Equal(t, hexString(gotSum[:]), filepath.Base(path))
}

func TestDownloadVerifiedMismatchIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	wrongHash := sha256.Sum256([]byte("not the actual content"))
	_, err = c.DownloadVerified(context.Background(), srv.URL, wrongHash[:])
	require.Error(t, err)

	entries, err := os.ReadDir(c.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed verification must not leave a temp file behind")
}

func TestProbeByHashHit(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := []byte("cached")
	sum := sha256.Sum256(payload)
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, hexString(sum[:])), payload, 0o644))

	path, ok := c.ProbeByHash(sum[:])
	assert.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestProbeByHashMiss(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	_, ok := c.ProbeByHash(sha256.New().Sum(nil))
	assert.False(t, ok)
}

func TestDownloadToStreamVerifies(t *testing.T) {
	payload := []byte("streamed-while-flashing")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	sum := sha256.Sum256(payload)
	var lastFrac float64 = -2
	err = c.DownloadToStream(context.Background(), srv.URL, sum[:], &buf, func(p Progress) {
		lastFrac = p.Fraction
	})
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
	assert.GreaterOrEqual(t, lastFrac, 0.0)
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0xF]
	}
	return string(out)
}
