package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/macaroon.v2"

	"github.com/bigkaa/librarian/internal/domain/model"
	"github.com/bigkaa/librarian/internal/service"
	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/index"
	"github.com/bigkaa/librarian/internal/storage/remote"
	"github.com/bigkaa/librarian/internal/storage/wal"
)

const (
	helloSHA1   = "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"
	testMaxSize = 1 << 10
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memMirror — зеркало в памяти.
type memMirror struct {
	mu      sync.Mutex
	objects map[int64][]byte
}

func (m *memMirror) Exists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok, nil
}

func (m *memMirror) Open(_ context.Context, id int64) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[id]
	if !ok {
		return nil, 0, remote.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// failingVerifier — сервис авторизации, который всегда падает.
type failingVerifier struct{}

func (failingVerifier) AuthenticateMacaroon(context.Context, string, int64) (bool, error) {
	return false, errors.New("connection reset by peer")
}

// handlerEnv — публичный экземпляр поверх временных директорий.
type handlerEnv struct {
	files      *filestore.FileStore
	meta       *index.Catalog
	uploads    *service.UploadService
	restricted *service.UploadService
	access     *service.AccessService
	mirror     *memMirror
	router     http.Handler
}

func newHandlerEnv(t *testing.T, opts ...service.AccessOption) *handlerEnv {
	t.Helper()

	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	journal, err := wal.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	meta := index.New(testLogger())
	mirror := &memMirror{objects: make(map[int64][]byte)}

	env := &handlerEnv{
		files:      files,
		meta:       meta,
		uploads:    service.NewUploadService(files, meta, journal, false, testMaxSize, testLogger()),
		restricted: service.NewUploadService(files, meta, journal, true, testMaxSize, testLogger()),
		mirror:     mirror,
	}
	opts = append([]service.AccessOption{service.WithMirror(mirror)}, opts...)
	env.access = service.NewAccessService(meta, files, false, 24*time.Hour, testLogger(), opts...)

	fh := NewFilesHandler(env.uploads, env.access, files, mirror, testMaxSize, time.Hour, testLogger())
	ch := NewContentsHandler(service.NewAliasService(meta, false, testLogger()))

	r := chi.NewRouter()
	r.Post("/api/v1/files", fh.UploadFile)
	r.Get("/api/v1/contents/by-sha1/{sha1}", ch.LookupBySHA1)
	r.Get("/api/v1/contents/{content_id}/aliases", ch.GetAliases)
	r.Post("/api/v1/contents/{content_id}/aliases", ch.AddAlias)
	r.Get("/{alias_id}/{filename}", fh.DownloadFile)
	env.router = r
	return env
}

func (e *handlerEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *handlerEnv) uploadFile(t *testing.T, filename, mimetype string, data []byte) service.CommitResult {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader(data))
	req.Header.Set(HeaderFilename, filename)
	req.Header.Set("Content-Type", mimetype)
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res service.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestUploadAndDownload(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader([]byte("hello world")))
	req.Header.Set(HeaderFilename, "greeting.txt")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(HeaderSHA1, helloSHA1)
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res service.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.AliasID)
	assert.Equal(t, helloSHA1, res.SHA1)
	assert.Equal(t, int64(11), res.Size)
	assert.False(t, res.Dedup)

	url := fmt.Sprintf("/%d/greeting.txt", *res.AliasID)
	rec = env.do(httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"`+helloSHA1+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	// Range
	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Range", "bytes=0-4")
	rec = env.do(req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	// ETag
	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("If-None-Match", `"`+helloSHA1+`"`)
	assert.Equal(t, http.StatusNotModified, env.do(req).Code)

	// Имя в URL не совпадает с alias
	rec = env.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/%d/other.txt", *res.AliasID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	// Повторная загрузка тех же байт — дедупликация
	again := env.uploadFile(t, "copy.txt", "text/plain", []byte("hello world"))
	assert.True(t, again.Dedup)
	assert.Equal(t, res.ContentID, again.ContentID)
}

func TestUpload_Errors(t *testing.T) {
	env := newHandlerEnv(t)

	tests := []struct {
		name    string
		headers map[string]string
		body    []byte
		chunked bool
		status  int
		code    string
	}{
		{
			name:    "несовпадение SHA-1",
			headers: map[string]string{HeaderFilename: "a.txt", HeaderSHA1: "0000000000000000000000000000000000000000"},
			body:    []byte("hello world"),
			status:  http.StatusBadRequest,
			code:    "DIGEST_MISMATCH",
		},
		{
			name:   "без имени файла",
			body:   []byte("data"),
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:    "некорректный срок",
			headers: map[string]string{HeaderFilename: "a.txt", HeaderExpires: "tomorrow"},
			body:    []byte("data"),
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
		},
		{
			name:    "некорректный ID содержимого",
			headers: map[string]string{HeaderContentID: "abc"},
			body:    []byte("data"),
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
		},
		{
			name:    "заявленный размер больше лимита",
			headers: map[string]string{HeaderFilename: "big.bin"},
			body:    bytes.Repeat([]byte("x"), testMaxSize+1),
			status:  http.StatusRequestEntityTooLarge,
			code:    "FILE_TOO_LARGE",
		},
		{
			name:    "тело без длины больше лимита",
			headers: map[string]string{HeaderFilename: "big.bin"},
			body:    bytes.Repeat([]byte("x"), testMaxSize+1),
			chunked: true,
			status:  http.StatusRequestEntityTooLarge,
			code:    "FILE_TOO_LARGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.chunked {
				req.ContentLength = -1
			}
			rec := env.do(req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	// Ни одна неудачная загрузка не оставила записей
	contents, aliases := env.meta.Count()
	assert.Zero(t, contents)
	assert.Zero(t, aliases)
}

func TestUpload_BulkImport(t *testing.T) {
	env := newHandlerEnv(t)

	bulk := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader([]byte("imported")))
		req.Header.Set(HeaderContentID, "42")
		return env.do(req)
	}

	rec := bulk()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res service.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(42), res.ContentID)
	assert.Nil(t, res.AliasID)
	assert.True(t, env.files.HasFile(42))

	rec = bulk()
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_FILE_ID", errorCode(t, rec))
}

func TestContents(t *testing.T) {
	env := newHandlerEnv(t)
	res := env.uploadFile(t, "report.pdf", "application/pdf", []byte("%PDF-1.4"))
	// alias закрытого раздела на то же содержимое не виден публичному экземпляру
	u, err := env.restricted.StartUpload(context.Background(), service.UploadParams{Filename: "hidden.pdf"})
	require.NoError(t, err)
	require.NoError(t, u.Append([]byte("%PDF-1.4")))
	hidden, err := u.Commit(context.Background(), "")
	require.NoError(t, err)
	require.True(t, hidden.Dedup)

	body := bytes.NewReader([]byte(`{"filename":"report-copy.pdf","mimetype":"application/pdf"}`))
	rec := env.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/contents/%d/aliases", res.ContentID), body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added AddAliasResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.NotEqual(t, *res.AliasID, added.AliasID)

	rec = env.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/contents/%d/aliases", res.ContentID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list AliasListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "report.pdf", list.Items[0].Filename)
	assert.Equal(t, "report-copy.pdf", list.Items[1].Filename)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/contents/by-sha1/"+res.SHA1, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var lookup LookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lookup))
	assert.Equal(t, []int64{res.ContentID}, lookup.ContentIDs)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"нечисловой ID", http.MethodGet, "/api/v1/contents/abc/aliases", "", http.StatusBadRequest},
		{"нулевой ID", http.MethodGet, "/api/v1/contents/0/aliases", "", http.StatusBadRequest},
		{"неизвестное содержимое", http.MethodPost, "/api/v1/contents/999/aliases", `{"filename":"a"}`, http.StatusNotFound},
		{"без имени", http.MethodPost, fmt.Sprintf("/api/v1/contents/%d/aliases", res.ContentID), `{}`, http.StatusBadRequest},
		{"битый JSON", http.MethodPost, fmt.Sprintf("/api/v1/contents/%d/aliases", res.ContentID), `{`, http.StatusBadRequest},
		{"некорректный SHA-1", http.MethodGet, "/api/v1/contents/by-sha1/xyz", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader([]byte(tt.body)))
			assert.Equal(t, tt.status, env.do(req).Code)
		})
	}
}

func TestDownload_Restricted(t *testing.T) {
	env := newHandlerEnv(t)

	u, err := env.restricted.StartUpload(context.Background(), service.UploadParams{Filename: "secret file.txt", Mimetype: "text/plain"})
	require.NoError(t, err)
	require.NoError(t, u.Append([]byte("top secret")))
	res, err := u.Commit(context.Background(), "")
	require.NoError(t, err)

	path := fmt.Sprintf("/%d/secret%%20file.txt", *res.AliasID)
	token, err := env.access.GrantToken(context.Background(), path)
	require.NoError(t, err)

	// Без учётных данных alias закрытого раздела не существует
	rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, path+"?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "top secret", rec.Body.String())
	assert.Equal(t, "private, no-cache", rec.Header().Get("Cache-Control"))

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.SetBasicAuth("", token)
	assert.Equal(t, http.StatusOK, env.do(req).Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, path+"?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	// Токен привязан к пути
	other := fmt.Sprintf("/%d/other.txt?token=%s", *res.AliasID, token)
	assert.Equal(t, http.StatusUnauthorized, env.do(httptest.NewRequest(http.MethodGet, other, nil)).Code)
}

func TestDownload_ServiceFault(t *testing.T) {
	env := newHandlerEnv(t, service.WithMacaroonVerifier(failingVerifier{}))
	res := env.uploadFile(t, "a.txt", "text/plain", []byte("a"))

	m, err := macaroon.New([]byte("root-key"), []byte("librarian-test"), "launchpad", macaroon.LatestVersion)
	require.NoError(t, err)
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/%d/a.txt", *res.AliasID), nil)
	req.SetBasicAuth("", base64.RawURLEncoding.EncodeToString(data))
	rec := env.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_FAULT", errorCode(t, rec))
}

func TestDownload_Mirror(t *testing.T) {
	env := newHandlerEnv(t)
	res := env.uploadFile(t, "mirrored.bin", "application/octet-stream", []byte("remote bytes"))
	url := fmt.Sprintf("/%d/mirrored.bin", *res.AliasID)

	require.NoError(t, os.Remove(env.files.FullPath(res.ContentID)))
	assert.Equal(t, http.StatusNotFound, env.do(httptest.NewRequest(http.MethodGet, url, nil)).Code)

	env.mirror.objects[res.ContentID] = []byte("remote bytes")
	rec := env.do(httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "remote bytes", rec.Body.String())
	assert.Equal(t, strconv.Itoa(len("remote bytes")), rec.Header().Get("Content-Length"))
	assert.Equal(t, `"`+res.SHA1+`"`, rec.Header().Get("ETag"))
}

// TestDownload_EscapedFilename проверяет, что имя файла в URL
// декодируется ровно один раз.
func TestDownload_EscapedFilename(t *testing.T) {
	env := newHandlerEnv(t)

	tests := []struct {
		filename string
		escaped  string
	}{
		{filename: "100%.txt", escaped: "100%25.txt"},
		{filename: "a%41.txt", escaped: "a%2541.txt"},
		{filename: "a b.txt", escaped: "a%20b.txt"},
		{filename: "a/b.txt", escaped: "a%2Fb.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			res := env.uploadFile(t, tt.filename, "text/plain", []byte("body of "+tt.filename))
			require.NotNil(t, res.AliasID)

			rec := env.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/%d/%s", *res.AliasID, tt.escaped), nil))
			require.Equal(t, http.StatusOK, rec.Code, tt.escaped)
			assert.Equal(t, "body of "+tt.filename, rec.Body.String())
		})
	}

	// Повторное декодирование не должно давать совпадения
	res := env.uploadFile(t, "aA.txt", "text/plain", []byte("decoded twice"))
	rec := env.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/%d/a%%2541.txt", *res.AliasID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload_BadPath(t *testing.T) {
	env := newHandlerEnv(t)
	for _, path := range []string{"/abc/file.txt", "/0/file.txt", "/-5/file.txt", "/12345/file.txt"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestCacheControl(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(10 * time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name       string
		restricted bool
		expires    *time.Time
		want       string
	}{
		{"публичный", false, nil, "public, max-age=3600"},
		{"закрытый", true, nil, "private, no-cache"},
		{"скоро истекает", false, &soon, "public, max-age=600"},
		{"истёк", false, &past, "no-cache"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decisionWith(tt.restricted, tt.expires)
			assert.Equal(t, tt.want, cacheControl(d, time.Hour, now))
		})
	}
}

func decisionWith(restricted bool, expires *time.Time) *service.Decision {
	return &service.Decision{
		State: service.AccessAuthorized,
		Alias: &model.Alias{ID: 1, ContentID: 1, Filename: "a", Restricted: restricted, Expires: expires},
	}
}
