package service

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/index"
	"github.com/bigkaa/librarian/internal/storage/wal"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — хранилище, каталог и журнал во временных директориях.
type testEnv struct {
	root    string
	files   *filestore.FileStore
	meta    *index.Catalog
	journal *wal.WAL
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	files, err := filestore.New(root)
	require.NoError(t, err)
	journal, err := wal.New(t.TempDir(), testLogger())
	require.NoError(t, err)

	return &testEnv{
		root:    root,
		files:   files,
		meta:    index.New(testLogger()),
		journal: journal,
	}
}

// uploads создаёт сервис загрузок для раздела restricted.
func (e *testEnv) uploads(restricted bool) *UploadService {
	return NewUploadService(e.files, e.meta, e.journal, restricted, 1<<20, testLogger())
}

// upload загружает data одним блоком.
func upload(t *testing.T, svc *UploadService, params UploadParams, data []byte) *CommitResult {
	t.Helper()

	u, err := svc.StartUpload(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, u.Append(data))
	res, err := u.Commit(context.Background(), "")
	require.NoError(t, err)
	return res
}

// contentFiles возвращает опубликованные файлы (без incoming/).
func (e *testEnv) contentFiles(t *testing.T) []string {
	t.Helper()

	var files []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == filestore.IncomingDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.root, path)
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return files
}

// incomingFiles возвращает файлы в incoming/.
func (e *testEnv) incomingFiles(t *testing.T) []os.DirEntry {
	t.Helper()

	entries, err := os.ReadDir(filepath.Join(e.root, filestore.IncomingDir))
	require.NoError(t, err)
	return entries
}

// readContent читает опубликованный файл содержимого.
func (e *testEnv) readContent(t *testing.T, contentID int64) []byte {
	t.Helper()

	data, err := os.ReadFile(e.files.FullPath(contentID))
	require.NoError(t, err)
	return data
}

// constHash — hash.Hash с постоянным дайджестом (имитация коллизии).
type constHash struct{ bytes.Buffer }

func (h *constHash) Sum(b []byte) []byte {
	return append(b, bytes.Repeat([]byte{0xab}, 20)...)
}
func (h *constHash) Size() int      { return 20 }
func (h *constHash) BlockSize() int { return 64 }
