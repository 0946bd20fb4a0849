// Package cache implements the content-addressed download cache (spec
// component C3): files are named by the hex SHA-256 of their content (or,
// for unverified downloads, of the source URL), with atomic rename making
// concurrent downloads for the same hash race-safe without locking.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "cache"

// Progress reports download progress; Fraction is -1 when content length
// is unknown (spec §4.3: "raw byte counts with fraction undefined").
type Progress struct {
	BytesWritten int64
	Fraction     float64
}

// ProgressFunc receives non-blocking progress updates; see Flasher's
// progress sink for the same try-send discipline.
type ProgressFunc func(Progress)

// Cache is a directory of content-addressed files.
type Cache struct {
	Dir    string
	Client *http.Client
}

// New creates a Cache rooted at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "mkdir "+dir, err)
	}
	return &Cache{Dir: dir, Client: http.DefaultClient}, nil
}

// pathFor returns <dir>/<hex(hash)>.
func (c *Cache) pathFor(hash []byte) string {
	return filepath.Join(c.Dir, hex.EncodeToString(hash))
}

// ProbeByHash returns the path for hash if the file already exists.
func (c *Cache) ProbeByHash(hash []byte) (string, bool) {
	p := c.pathFor(hash)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Download fetches url to a temp file, then renames it to
// <dir>/<hex(sha256(url))>. The content hash is not verified since the
// caller supplied no expected hash.
func (c *Cache) Download(ctx context.Context, url string) (string, error) {
	urlHash := sha256.Sum256([]byte(url))
	dest := c.pathFor(urlHash[:])
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	tmp, err := c.fetchToTemp(ctx, url, nil, nil)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", bbferr.Wrap(component, bbferr.Io, "rename into cache", err)
	}
	return dest, nil
}

// DownloadVerified fetches url, verifying the running SHA-256 equals hash,
// and renames to <dir>/<hex(hash)> only on a match.
func (c *Cache) DownloadVerified(ctx context.Context, url string, hash []byte) (string, error) {
	if dest, ok := c.ProbeByHash(hash); ok {
		return dest, nil
	}

	h := sha256.New()
	tmp, err := c.fetchToTemp(ctx, url, h, nil)
	if err != nil {
		return "", err
	}
	sum := h.Sum(nil)
	if !bytesEqual(sum, hash) {
		os.Remove(tmp)
		return "", bbferr.New(component, bbferr.Sha256Mismatch, "downloaded content does not match expected hash")
	}

	dest := c.pathFor(hash)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", bbferr.Wrap(component, bbferr.Io, "rename into cache", err)
	}
	return dest, nil
}

// DownloadToStream streams url directly to w (used for download-while-flash
// via internal/imgsrc.PipeStream), verifying against hash on completion.
// It does not populate the cache directory itself; callers that also want a
// cached copy should use DownloadVerified for subsequent flashes.
func (c *Cache) DownloadToStream(ctx context.Context, url string, hash []byte, w io.Writer, progress ProgressFunc) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h := sha256.New()
	mw := io.MultiWriter(w, h)
	if err := copyWithProgress(ctx, mw, resp.Body, resp.ContentLength, progress); err != nil {
		return err
	}

	if hash != nil && !bytesEqual(h.Sum(nil), hash) {
		return bbferr.New(component, bbferr.Sha256Mismatch, "streamed content does not match expected hash")
	}
	return nil
}

func (c *Cache) fetchToTemp(ctx context.Context, url string, hashSink io.Writer, progress ProgressFunc) (string, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(c.Dir, ".download-*")
	if err != nil {
		return "", bbferr.Wrap(component, bbferr.Io, "create temp file", err)
	}
	defer tmp.Close()

	var w io.Writer = tmp
	if hashSink != nil {
		w = io.MultiWriter(tmp, hashSink)
	}
	if err := copyWithProgress(ctx, w, resp.Body, resp.ContentLength, progress); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (c *Cache) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Http, "build request", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Http, "fetch "+url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, bbferr.New(component, bbferr.Http, "unexpected status "+resp.Status)
	}
	return resp, nil
}

func (c *Cache) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, contentLength int64, progress ProgressFunc) error {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return bbferr.Wrap(component, bbferr.Aborted, "download cancelled", err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return bbferr.Wrap(component, bbferr.Io, "write", werr)
			}
			written += int64(n)
			if progress != nil {
				frac := -1.0
				if contentLength > 0 {
					frac = float64(written) / float64(contentLength)
				}
				progress(Progress{BytesWritten: written, Fraction: frac})
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return bbferr.Wrap(component, bbferr.Io, "read", rerr)
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
