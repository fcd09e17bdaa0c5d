package poster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postwing/xsched/internal/source"
	"github.com/postwing/xsched/internal/twitter"
)

type fakeSource struct {
	item    *source.Item
	marked  bool
	postID  string
	markErr error
}

func (f *fakeSource) Next(_ context.Context) (*source.Item, error) {
	if f.item == nil || f.marked {
		return nil, source.ErrNoPending
	}
	return f.item, nil
}

func (f *fakeSource) MarkPosted(_ context.Context, _ *source.Item, postID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = true
	f.postID = postID
	return nil
}

func (f *fakeSource) PendingCount(_ context.Context) (int, error) {
	if f.item == nil || f.marked {
		return 0, nil
	}
	return 1, nil
}

type uploadCall struct {
	path, mediaType, category string
}

type fakeUploader struct {
	calls   []uploadCall
	err     error
	mediaID string
}

func (f *fakeUploader) Upload(_ context.Context, path, mediaType, category string) (*twitter.Session, error) {
	f.calls = append(f.calls, uploadCall{path, mediaType, category})
	if f.err != nil {
		return &twitter.Session{State: twitter.StateFailed}, f.err
	}
	return &twitter.Session{MediaID: f.mediaID, State: twitter.StateSucceeded}, nil
}

type postCall struct {
	text     string
	mediaIDs []string
}

type fakePosts struct {
	calls []postCall
	err   error
	id    string
}

func (f *fakePosts) CreatePost(_ context.Context, text string, mediaIDs []string) (string, error) {
	f.calls = append(f.calls, postCall{text, mediaIDs})
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type fakeBlobs struct {
	local   string
	dlErr   error
	deleted []string
}

func (f *fakeBlobs) Download(_ context.Context, uri string) (string, error) {
	if f.dlErr != nil {
		return "", f.dlErr
	}
	return f.local, nil
}

func (f *fakeBlobs) Delete(_ context.Context, uri string) error {
	f.deleted = append(f.deleted, uri)
	return nil
}

type fakeFetcher struct {
	local string
	err   error
	urls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	f.urls = append(f.urls, rawURL)
	if f.err != nil {
		return "", f.err
	}
	return f.local, nil
}

func newTestPoster(src *fakeSource, up *fakeUploader, posts *fakePosts) *Poster {
	return New(Config{}, src, up, posts, zerolog.Nop())
}

func writeMedia(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o644))
	return path
}

func TestRunOnce_TextOnly(t *testing.T) {
	src := &fakeSource{item: &source.Item{Row: 0, Text: "hello"}}
	up := &fakeUploader{mediaID: "m1"}
	posts := &fakePosts{id: "p1"}
	p := newTestPoster(src, up, posts)

	posted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, posted)

	require.Len(t, posts.calls, 1)
	assert.Equal(t, "hello", posts.calls[0].text)
	assert.Empty(t, posts.calls[0].mediaIDs)
	assert.Empty(t, up.calls)
	assert.True(t, src.marked)
	assert.Equal(t, "p1", src.postID)
}

func TestRunOnce_LocalMedia(t *testing.T) {
	media := writeMedia(t, "cat.png")
	src := &fakeSource{item: &source.Item{Row: 2, Text: "with pic", MediaPath: media}}
	up := &fakeUploader{mediaID: "m42"}
	posts := &fakePosts{id: "p2"}
	p := newTestPoster(src, up, posts)

	posted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, posted)

	require.Len(t, up.calls, 1)
	assert.Equal(t, uploadCall{media, "image/png", "tweet_image"}, up.calls[0])

	require.Len(t, posts.calls, 1)
	assert.Equal(t, []string{"m42"}, posts.calls[0].mediaIDs)
	assert.True(t, src.marked)

	assert.FileExists(t, media, "a caller-owned local file must not be removed")
}

func TestRunOnce_EmptyQueueIsNoOp(t *testing.T) {
	src := &fakeSource{}
	up := &fakeUploader{}
	posts := &fakePosts{}
	p := newTestPoster(src, up, posts)

	posted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Empty(t, posts.calls)
	assert.Empty(t, up.calls)
}

func TestRunOnce_UploadFailureBlocksPost(t *testing.T) {
	media := writeMedia(t, "clip.mp4")
	src := &fakeSource{item: &source.Item{Text: "video day", MediaPath: media}}
	up := &fakeUploader{err: errors.New("processing failed")}
	posts := &fakePosts{id: "never"}
	p := newTestPoster(src, up, posts)

	posted, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.False(t, posted)
	assert.Empty(t, posts.calls, "an item must never be posted without its media")
	assert.False(t, src.marked)
}

func TestRunOnce_PostFailureLeavesUnmarked(t *testing.T) {
	src := &fakeSource{item: &source.Item{Text: "fails"}}
	posts := &fakePosts{err: errors.New("api down")}
	p := newTestPoster(src, &fakeUploader{}, posts)

	posted, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.False(t, posted)
	assert.False(t, src.marked)
}

func TestRunOnce_MarkFailureIsLoud(t *testing.T) {
	src := &fakeSource{
		item:    &source.Item{Text: "posted anyway"},
		markErr: errors.New("disk full"),
	}
	posts := &fakePosts{id: "p9"}
	p := newTestPoster(src, &fakeUploader{}, posts)

	posted, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, posted, "the post went out even though marking failed")
	assert.Contains(t, err.Error(), "not marked")
}

func TestRunOnce_TruncatesLongText(t *testing.T) {
	long := strings.Repeat("é", 300)
	src := &fakeSource{item: &source.Item{Text: long}}
	posts := &fakePosts{id: "p3"}
	p := newTestPoster(src, &fakeUploader{}, posts)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, posts.calls, 1)
	got := []rune(posts.calls[0].text)
	assert.Len(t, got, 280)
	assert.Equal(t, '…', got[279])
	assert.Equal(t, strings.Repeat("é", 279), string(got[:279]))
}

func TestRunOnce_ShortTextUntouched(t *testing.T) {
	src := &fakeSource{item: &source.Item{Text: "short"}}
	posts := &fakePosts{id: "p4"}
	p := newTestPoster(src, &fakeUploader{}, posts)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "short", posts.calls[0].text)
}

func TestRunOnce_ObjectStoreMedia(t *testing.T) {
	staged := writeMedia(t, "staged.jpg")
	src := &fakeSource{item: &source.Item{Text: "from s3", MediaURL: "s3://bkt/media/x.jpg"}}
	up := &fakeUploader{mediaID: "m7"}
	posts := &fakePosts{id: "p7"}
	blobs := &fakeBlobs{local: staged}

	p := newTestPoster(src, up, posts)
	p.SetBlobStore(blobs)

	posted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, posted)

	require.Len(t, up.calls, 1)
	assert.Equal(t, staged, up.calls[0].path)
	assert.Equal(t, []string{"s3://bkt/media/x.jpg"}, blobs.deleted, "the staged blob is dropped after posting")
	assert.NoFileExists(t, staged, "the staged temp file is cleaned up")
}

func TestRunOnce_RemoteURLMedia(t *testing.T) {
	staged := writeMedia(t, "fetched.gif")
	src := &fakeSource{item: &source.Item{Text: "from web", MediaURL: "https://cdn.example/a.gif"}}
	up := &fakeUploader{mediaID: "m8"}
	posts := &fakePosts{id: "p8"}
	fetcher := &fakeFetcher{local: staged}

	p := newTestPoster(src, up, posts)
	p.SetFetcher(fetcher)

	posted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []string{"https://cdn.example/a.gif"}, fetcher.urls)
	assert.NoFileExists(t, staged)
}

func TestRunOnce_StagedFileRemovedOnUploadFailure(t *testing.T) {
	staged := writeMedia(t, "doomed.png")
	src := &fakeSource{item: &source.Item{Text: "fails late", MediaURL: "https://cdn.example/d.png"}}
	up := &fakeUploader{err: errors.New("append failed")}
	p := newTestPoster(src, up, &fakePosts{})
	p.SetFetcher(&fakeFetcher{local: staged})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, staged, "staged media must not accumulate across failed runs")
}

func TestRunOnce_UnsupportedMediaScheme(t *testing.T) {
	src := &fakeSource{item: &source.Item{Text: "bad ref", MediaURL: "ftp://host/file.png"}}
	p := newTestPoster(src, &fakeUploader{}, &fakePosts{})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported media URL")
	assert.False(t, src.marked)
}

func TestRunOnce_ObjectStoreNotConfigured(t *testing.T) {
	src := &fakeSource{item: &source.Item{Text: "no store", MediaURL: "s3://bkt/x.png"}}
	p := newTestPoster(src, &fakeUploader{}, &fakePosts{})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object store")
}

func TestRunOnce_InvalidMediaRejectedBeforeUpload(t *testing.T) {
	media := writeMedia(t, "notes.txt")
	src := &fakeSource{item: &source.Item{Text: "bad file", MediaPath: media}}
	up := &fakeUploader{}
	posts := &fakePosts{}
	p := newTestPoster(src, up, posts)

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, up.calls, "an unsupported file must be rejected before any upload")
	assert.Empty(t, posts.calls)
	assert.False(t, src.marked)
}
