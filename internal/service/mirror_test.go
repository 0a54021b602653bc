package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMirror — зеркало в памяти.
type memMirror struct {
	mu      sync.Mutex
	objects map[int64][]byte
	putErr  error
}

func newMemMirror() *memMirror {
	return &memMirror{objects: make(map[int64][]byte)}
}

func (m *memMirror) Exists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok, nil
}

func (m *memMirror) Put(_ context.Context, id int64, path string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = data
	return nil
}

func TestMirrorFeed(t *testing.T) {
	env := newTestEnv(t)
	svc := env.uploads(false)
	a := upload(t, svc, UploadParams{Filename: "a"}, []byte("alpha"))
	b := upload(t, svc, UploadParams{Filename: "b"}, []byte("beta"))
	c := upload(t, svc, UploadParams{Filename: "c"}, []byte("gamma"))
	require.NoError(t, os.Remove(env.files.FullPath(c.ContentID)))

	mirror := newMemMirror()
	mirror.objects[b.ContentID] = []byte("beta")
	feed := NewMirrorService(env.meta, env.files, mirror, testLogger())

	report, err := feed.Feed(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, &FeedReport{Checked: 3, Uploaded: 1, Present: 1, Missing: 1}, report)
	assert.Equal(t, []byte("alpha"), mirror.objects[a.ContentID])

	// Повторная выгрузка ничего не загружает
	report, err = feed.Feed(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Uploaded)
	assert.Equal(t, 2, report.Present)
}

func TestMirrorFeed_RangeAndErrors(t *testing.T) {
	env := newTestEnv(t)
	svc := env.uploads(false)
	var ids []int64
	for _, s := range []string{"one", "two", "three"} {
		ids = append(ids, upload(t, svc, UploadParams{Filename: s}, []byte(s)).ContentID)
	}

	mirror := newMemMirror()
	feed := NewMirrorService(env.meta, env.files, mirror, testLogger())

	report, err := feed.Feed(context.Background(), ids[1], ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Uploaded)
	assert.Contains(t, mirror.objects, ids[1])

	mirror.putErr = errors.New("s3 unavailable")
	report, err = feed.Feed(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Present)
}
