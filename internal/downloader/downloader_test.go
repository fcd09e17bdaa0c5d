package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newTestDownloader(t *testing.T, maxBytes int64, handler http.HandlerFunc) (*Downloader, string, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	d := New(maxBytes, 5*time.Second, dir, fastRetry(), zerolog.Nop())
	return d, srv.URL, &hits
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestFetch_SavesBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 2048)
	d, base, hits := newTestDownloader(t, 1<<20, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pics/cat.png", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	})

	path, err := d.Fetch(context.Background(), base+"/pics/cat.png")
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path))
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_ExtensionFromContentType(t *testing.T) {
	d, base, _ := newTestDownloader(t, 1<<20, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("not really a video"))
	})

	path, err := d.Fetch(context.Background(), base+"/media?id=99")
	require.NoError(t, err)
	assert.Equal(t, ".mp4", filepath.Ext(path))
}

func TestFetch_RejectsOversizeByContentLength(t *testing.T) {
	d, base, _ := newTestDownloader(t, 16, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, 100))
	})

	_, err := d.Fetch(context.Background(), base+"/big.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
	assert.Empty(t, dirEntries(t, d.dir), "no temp file may be left behind")
}

func TestFetch_RejectsOversizeChunkedBody(t *testing.T) {
	d, base, _ := newTestDownloader(t, 64, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, 50))
		w.(http.Flusher).Flush()
		w.Write(bytes.Repeat([]byte{1}, 50))
	})

	_, err := d.Fetch(context.Background(), base+"/stream.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
	assert.Empty(t, dirEntries(t, d.dir))
}

func TestFetch_NotFoundIsFatal(t *testing.T) {
	d, base, hits := newTestDownloader(t, 1<<20, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := d.Fetch(context.Background(), base+"/gone.png")
	require.Error(t, err)

	var he *xerrors.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))
}

func TestFetch_RetriesTransientFailure(t *testing.T) {
	var n int64
	d, base, hits := newTestDownloader(t, 1<<20, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&n, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("media bytes"))
	})

	path, err := d.Fetch(context.Background(), base+"/flaky.gif")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.EqualValues(t, 2, atomic.LoadInt64(hits))
}

func TestFetch_EmptyBodyRejected(t *testing.T) {
	d, base, _ := newTestDownloader(t, 1<<20, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := d.Fetch(context.Background(), base+"/empty.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
