// files.go — HTTP handlers загрузки и скачивания содержимого.
// Загрузка: POST /api/v1/files (тело запроса — байты файла).
// Скачивание: GET /{alias_id}/{filename}.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/bigkaa/librarian/internal/api/errors"
	"github.com/bigkaa/librarian/internal/api/middleware"
	"github.com/bigkaa/librarian/internal/service"
	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/remote"
)

// Заголовки протокола загрузки.
const (
	HeaderFilename  = "X-Librarian-Filename"
	HeaderSHA1      = "X-Librarian-SHA1"
	HeaderExpires   = "X-Librarian-Expires"
	HeaderContentID = "X-Librarian-Content-ID"
)

// Resolver — разрешение доступа к alias.
type Resolver interface {
	Resolve(ctx context.Context, req service.AccessRequest) (*service.Decision, error)
}

// MirrorReader — чтение содержимого из удалённого зеркала.
type MirrorReader interface {
	Open(ctx context.Context, contentID int64) (io.ReadCloser, int64, error)
}

// FilesHandler — обработчик загрузки и скачивания.
type FilesHandler struct {
	uploads     *service.UploadService
	access      Resolver
	files       *filestore.FileStore
	mirror      MirrorReader
	maxFileSize int64
	maxAge      time.Duration
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
// mirror может быть nil; maxAge — Cache-Control max-age публичных скачиваний.
func NewFilesHandler(
	uploads *service.UploadService,
	access Resolver,
	files *filestore.FileStore,
	mirror MirrorReader,
	maxFileSize int64,
	maxAge time.Duration,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		uploads:     uploads,
		access:      access,
		files:       files,
		mirror:      mirror,
		maxFileSize: maxFileSize,
		maxAge:      maxAge,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// UploadFile обрабатывает POST /api/v1/files.
// Тело потоково пишется в incoming/, затем фиксируется с дедупликацией.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	params, err := h.uploadParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if r.ContentLength > h.maxFileSize {
		apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла %d байт превышает максимум %d байт",
			r.ContentLength, h.maxFileSize))
		return
	}

	upload, err := h.uploads.StartUpload(r.Context(), params)
	if err != nil {
		apierrors.FromService(w, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxFileSize)
	if _, err := io.Copy(upload, body); err != nil {
		upload.Abort()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает максимум %d байт", h.maxFileSize))
			return
		}
		var svcErr *service.Error
		if errors.As(err, &svcErr) {
			apierrors.FromService(w, err)
			return
		}
		h.logger.Warn("Ошибка чтения тела загрузки",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		apierrors.ValidationError(w, "Ошибка чтения тела запроса")
		return
	}

	result, err := upload.Commit(r.Context(), r.Header.Get(HeaderSHA1))
	if err != nil {
		apierrors.FromService(w, err)
		return
	}

	h.logger.Info("Загрузка зафиксирована",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int64("content_id", result.ContentID),
		slog.Bool("dedup", result.Dedup),
		slog.Int64("size", result.Size),
	)
	writeJSON(w, http.StatusCreated, result)
}

// uploadParams собирает параметры загрузки из заголовков.
func (h *FilesHandler) uploadParams(r *http.Request) (service.UploadParams, error) {
	params := service.UploadParams{
		Filename: r.Header.Get(HeaderFilename),
		Mimetype: r.Header.Get("Content-Type"),
	}
	if r.ContentLength > 0 {
		params.ExpectedSize = r.ContentLength
	}

	if raw := r.Header.Get(HeaderExpires); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, fmt.Errorf("%s: ожидается RFC3339, получено %q", HeaderExpires, raw)
		}
		params.Expires = &t
	}

	if raw := r.Header.Get(HeaderContentID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, fmt.Errorf("%s: некорректное целое число %q", HeaderContentID, raw)
		}
		params.ContentID = &id
	}
	return params, nil
}

// DownloadFile обрабатывает GET /{alias_id}/{filename}.
// Учётные данные: ?token= или пароль HTTP Basic. Отказ и отсутствие
// не раскрывают причину. Локальные файлы отдаются с поддержкой Range
// и ETag (SHA-1), файлы из зеркала — потоком.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	aliasID, err := pathInt64(r, "alias_id")
	if err != nil {
		apierrors.NotFound(w)
		return
	}
	filename, err := pathFilename(r)
	if err != nil {
		apierrors.NotFound(w)
		return
	}

	decision, err := h.access.Resolve(r.Context(), service.AccessRequest{
		AliasID:    aliasID,
		Credential: credentialFromRequest(r),
		Path:       r.URL.EscapedPath(),
	})
	if err != nil {
		h.logger.Error("Ошибка разрешения доступа",
			slog.Int64("alias_id", aliasID),
			slog.String("error", err.Error()),
		)
		apierrors.FromService(w, err)
		return
	}

	switch decision.State {
	case service.AccessNotFound:
		apierrors.NotFound(w)
		return
	case service.AccessUnauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="librarian"`)
		apierrors.AccessDenied(w)
		return
	}

	// Имя в URL должно совпадать с именем alias
	if decision.Alias.Filename != filename {
		apierrors.NotFound(w)
		return
	}

	h.setDownloadHeaders(w, decision)

	if decision.Local {
		h.serveLocal(w, r, decision)
		return
	}
	h.serveMirror(w, r, decision)
}

// setDownloadHeaders выставляет заголовки, общие для локальной и удалённой отдачи.
func (h *FilesHandler) setDownloadHeaders(w http.ResponseWriter, d *service.Decision) {
	w.Header().Set("Content-Type", d.Alias.Mimetype)
	w.Header().Set("ETag", `"`+d.Content.SHA1+`"`)
	w.Header().Set("Cache-Control", cacheControl(d, h.maxAge, time.Now()))
}

// cacheControl возвращает Cache-Control для alias: закрытое содержимое
// не кэшируется посредниками, публичное — не дольше срока хранения alias.
func cacheControl(d *service.Decision, maxAge time.Duration, now time.Time) string {
	if d.Alias.Restricted {
		return "private, no-cache"
	}
	if d.Alias.Expires != nil {
		if d.Alias.IsExpired(now) {
			return "no-cache"
		}
		if left := d.Alias.Expires.Sub(now); left < maxAge {
			maxAge = left
		}
	}
	return "public, max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10)
}

func (h *FilesHandler) serveLocal(w http.ResponseWriter, r *http.Request, d *service.Decision) {
	f, err := h.files.Open(d.Content.ID)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			apierrors.NotFound(w)
			return
		}
		h.logger.Error("Ошибка открытия файла содержимого",
			slog.Int64("content_id", d.Content.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}
	defer f.Close()

	http.ServeContent(w, r, d.Alias.Filename, d.Content.DateCreated, f)
}

func (h *FilesHandler) serveMirror(w http.ResponseWriter, r *http.Request, d *service.Decision) {
	if h.mirror == nil {
		apierrors.NotFound(w)
		return
	}
	body, size, err := h.mirror.Open(r.Context(), d.Content.ID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			apierrors.NotFound(w)
			return
		}
		h.logger.Error("Ошибка чтения из зеркала",
			slog.Int64("content_id", d.Content.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}
	defer body.Close()

	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if !d.Content.DateCreated.IsZero() {
		w.Header().Set("Last-Modified", d.Content.DateCreated.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("Передача из зеркала прервана",
			slog.Int64("content_id", d.Content.ID),
			slog.String("error", err.Error()),
		)
	}
}

// credentialFromRequest извлекает токен или macaroon из запроса.
func credentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}
