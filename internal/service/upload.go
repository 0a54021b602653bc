// upload.go — приём и фиксация загрузок в content-addressed хранилище.
package service

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/domain/model"
	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/wal"
)

// UploadParams — параметры новой загрузки.
type UploadParams struct {
	// Filename — имя alias (обязательно, кроме bulk import)
	Filename string
	// Mimetype — MIME-тип alias (по умолчанию application/octet-stream)
	Mimetype string
	// ExpectedSize — заявленный размер; справочно, ≥ 0
	ExpectedSize int64
	// Expires — срок хранения alias (nil — бессрочно)
	Expires *time.Time
	// ContentID — bulk import: публикация под заданным ID без alias
	ContentID *int64
}

// CommitResult — результат фиксации.
type CommitResult struct {
	// ContentID — ID содержимого (нового или найденного дедупликацией)
	ContentID int64 `json:"content_id"`
	// AliasID — ID нового alias; nil для bulk import
	AliasID *int64 `json:"alias_id"`
	// Dedup — содержимое уже хранилось, новый файл не публиковался
	Dedup bool `json:"dedup"`
	// Size — размер принятых данных
	Size int64 `json:"size"`
	// SHA1 — вычисленный дайджест
	SHA1 string `json:"sha1"`
}

// UploadService — фиксация загрузок: дедупликация по SHA-1 с побайтовым
// подтверждением, атомарная публикация файла и создание alias.
type UploadService struct {
	files       *filestore.FileStore
	meta        catalog.Store
	journal     *wal.WAL
	restricted  bool
	maxFileSize int64
	// newSHA1 — конструктор SHA-1; подменяется в тестах коллизий
	newSHA1 func() hash.Hash
	logger  *slog.Logger
}

// NewUploadService создаёт сервис загрузок.
// restricted — раздел экземпляра, в котором создаются alias.
func NewUploadService(
	files *filestore.FileStore,
	meta catalog.Store,
	journal *wal.WAL,
	restricted bool,
	maxFileSize int64,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		files:       files,
		meta:        meta,
		journal:     journal,
		restricted:  restricted,
		maxFileSize: maxFileSize,
		newSHA1:     sha1.New,
		logger:      logger.With(slog.String("component", "upload_service")),
	}
}

// Upload — незавершённая загрузка. Данные пишутся во временный файл
// в incoming/ до Commit или Abort. Не предназначена для конкурентного
// использования из нескольких горутин.
type Upload struct {
	svc     *UploadService
	params  UploadParams
	file    *os.File
	sha1h   hash.Hash
	md5h    hash.Hash
	sha256h hash.Hash
	size    int64
	// err — первая ошибка записи; загрузка после неё непригодна
	err  error
	done bool
}

// StartUpload создаёт новую загрузку.
func (s *UploadService) StartUpload(_ context.Context, params UploadParams) (*Upload, error) {
	const op = "start_upload"

	if params.ExpectedSize < 0 {
		return nil, newError(KindInvalidArgument, op, "размер не может быть отрицательным", nil)
	}
	if params.ExpectedSize > s.maxFileSize {
		return nil, newError(KindInvalidArgument, op,
			fmt.Sprintf("размер %d байт превышает максимум %d байт", params.ExpectedSize, s.maxFileSize), nil)
	}
	if params.ContentID == nil && params.Filename == "" {
		return nil, newError(KindInvalidArgument, op, "не задано имя файла", nil)
	}
	if params.ContentID != nil && *params.ContentID <= 0 {
		return nil, newError(KindInvalidArgument, op, "ID содержимого должен быть положительным", nil)
	}
	params.Mimetype = normalizeMimetype(params.Mimetype)

	f, err := s.files.CreateTemp()
	if err != nil {
		return nil, newError(KindIOFailure, op, "не удалось начать загрузку", err)
	}

	return &Upload{
		svc:     s,
		params:  params,
		file:    f,
		sha1h:   s.newSHA1(),
		md5h:    md5.New(),
		sha256h: sha256.New(),
	}, nil
}

// Write дописывает данные во временный файл и обновляет дайджесты.
// Ошибка записи делает загрузку непригодной: временный файл удаляется,
// последующие вызовы возвращают ту же ошибку.
func (u *Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, newError(KindInvalidArgument, "write", "загрузка уже завершена", nil)
	}
	if u.err != nil {
		return 0, u.err
	}
	if u.size+int64(len(p)) > u.svc.maxFileSize {
		u.fail(newError(KindInvalidArgument, "write",
			fmt.Sprintf("размер превышает максимум %d байт", u.svc.maxFileSize), nil))
		return 0, u.err
	}

	n, err := u.file.Write(p)
	if err != nil {
		u.fail(newError(KindIOFailure, "write", "ошибка записи во временный файл", err))
		return n, u.err
	}

	u.sha1h.Write(p[:n])
	u.md5h.Write(p[:n])
	u.sha256h.Write(p[:n])
	u.size += int64(n)
	return n, nil
}

// Append дописывает блок данных целиком.
func (u *Upload) Append(p []byte) error {
	_, err := u.Write(p)
	return err
}

// Size возвращает количество принятых байт.
func (u *Upload) Size() int64 {
	return u.size
}

// TempPath возвращает путь временного файла.
func (u *Upload) TempPath() string {
	return u.file.Name()
}

// fail фиксирует первую ошибку и удаляет временный файл.
func (u *Upload) fail(err error) {
	u.err = err
	u.discard()
}

// discard закрывает и удаляет временный файл.
func (u *Upload) discard() {
	_ = u.file.Close()
	if err := u.svc.files.RemoveTemp(u.file.Name()); err != nil {
		u.svc.logger.Warn("Не удалось удалить временный файл",
			slog.String("path", u.file.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// Abort отменяет загрузку. Повторный вызов безопасен.
func (u *Upload) Abort() {
	if u.done {
		return
	}
	u.done = true
	if u.err == nil {
		u.discard()
	}
}

// Commit завершает загрузку.
//
// Поток:
//  1. fsync + close временного файла
//  2. сверка SHA-1 клиента (если передан) — до обращения к метаданным
//  3. запись журнала pending
//  4. транзакция метаданных: дедупликация или публикация + alias
//  5. фиксация журнала
//
// При ошибке временный файл удаляется, журнал откатывается.
func (u *Upload) Commit(ctx context.Context, clientSHA1 string) (*CommitResult, error) {
	const op = "commit"
	s := u.svc

	if u.done {
		return nil, newError(KindInvalidArgument, op, "загрузка уже завершена", nil)
	}
	u.done = true
	if u.err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, u.err
	}

	// 1. Данные на диске до любых изменений метаданных
	if err := u.file.Sync(); err != nil {
		u.discard()
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, newError(KindIOFailure, op, "ошибка fsync", err)
	}
	if err := u.file.Close(); err != nil {
		_ = s.files.RemoveTemp(u.file.Name())
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, newError(KindIOFailure, op, "ошибка закрытия временного файла", err)
	}
	tempPath := u.file.Name()

	content := model.Content{
		FileSize: u.size,
		SHA1:     hex.EncodeToString(u.sha1h.Sum(nil)),
		MD5:      hex.EncodeToString(u.md5h.Sum(nil)),
		SHA256:   hex.EncodeToString(u.sha256h.Sum(nil)),
	}

	if u.params.ExpectedSize > 0 && u.params.ExpectedSize != u.size {
		s.logger.Warn("Размер загрузки отличается от заявленного",
			slog.Int64("expected", u.params.ExpectedSize),
			slog.Int64("actual", u.size),
		)
	}

	// 2. Сверка дайджеста клиента
	if clientSHA1 != "" && !strings.EqualFold(clientSHA1, content.SHA1) {
		_ = s.files.RemoveTemp(tempPath)
		uploadsTotal.WithLabelValues("digest_mismatch").Inc()
		s.logger.Warn("Дайджест загрузки не совпал",
			slog.String("client_sha1", clientSHA1),
			slog.String("sha1", content.SHA1),
		)
		return nil, newError(KindDigestMismatch, op,
			fmt.Sprintf("SHA-1 клиента %s не совпадает с вычисленным %s", clientSHA1, content.SHA1), nil)
	}

	// 3. Журнал
	opType := wal.OpUpload
	if u.params.ContentID != nil {
		opType = wal.OpBulkImport
	}
	entry, err := s.journal.Begin(opType, content.SHA1, tempPath)
	if err != nil {
		_ = s.files.RemoveTemp(tempPath)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, newError(KindIOFailure, op, "ошибка журнала загрузок", err)
	}

	// 4. Метаданные
	var result *CommitResult
	if u.params.ContentID != nil {
		result, err = s.commitBulk(ctx, entry.TransactionID, tempPath, content, *u.params.ContentID)
	} else {
		result, err = s.commitUpload(ctx, entry.TransactionID, tempPath, content, u.params)
	}

	if err != nil {
		_ = s.files.RemoveTemp(tempPath)
		if rbErr := s.journal.Rollback(entry.TransactionID, err.Error()); rbErr != nil {
			s.logger.Error("Ошибка отката журнала",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		if KindOf(err) == KindDuplicateID {
			uploadsTotal.WithLabelValues("duplicate_id").Inc()
		} else {
			uploadsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	// Временный файл остаётся только при попадании в дедупликацию
	if result.Dedup {
		_ = s.files.RemoveTemp(tempPath)
	}

	// 5. Журнал — best effort: метаданные уже зафиксированы
	if err := s.journal.Commit(entry.TransactionID); err != nil {
		s.logger.Error("Ошибка фиксации журнала (метаданные сохранены)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	switch {
	case u.params.ContentID != nil:
		uploadsTotal.WithLabelValues("bulk").Inc()
	case result.Dedup:
		uploadsTotal.WithLabelValues("dedup").Inc()
	default:
		uploadsTotal.WithLabelValues("created").Inc()
	}
	uploadBytesTotal.Add(float64(u.size))

	attrs := []any{
		slog.Int64("content_id", result.ContentID),
		slog.Int64("size", result.Size),
		slog.String("sha1", result.SHA1),
		slog.Bool("dedup", result.Dedup),
	}
	if result.AliasID != nil {
		attrs = append(attrs, slog.Int64("alias_id", *result.AliasID), slog.String("filename", u.params.Filename))
	}
	s.logger.Info("Загрузка зафиксирована", attrs...)

	return result, nil
}

// commitUpload выполняет обычную фиксацию: поиск дубликата, при его
// отсутствии — новый Content и публикация файла, затем alias.
func (s *UploadService) commitUpload(
	ctx context.Context,
	txID, tempPath string,
	content model.Content,
	params UploadParams,
) (*CommitResult, error) {
	const op = "commit"

	var result *CommitResult
	published := false

	err := s.meta.RunInTx(ctx, func(tx catalog.Catalog) error {
		result = &CommitResult{Size: content.FileSize, SHA1: content.SHA1}

		if err := tx.LockDigest(ctx, content.SHA1); err != nil {
			return newError(KindIOFailure, op, "ошибка блокировки дайджеста", err)
		}

		contentID, err := s.findDuplicate(ctx, tx, tempPath, content.SHA1)
		if err != nil {
			return err
		}

		if contentID != 0 {
			result.Dedup = true
		} else {
			c := content
			if err := tx.CreateContent(ctx, &c); err != nil {
				return newError(KindIOFailure, op, "ошибка создания записи содержимого", err)
			}
			contentID = c.ID

			if err := s.journal.AssignContent(txID, contentID); err != nil {
				return newError(KindIOFailure, op, "ошибка журнала загрузок", err)
			}
			if err := s.files.Publish(tempPath, contentID); err != nil {
				return newError(KindIOFailure, op, "ошибка публикации файла", err)
			}
			published = true
		}
		result.ContentID = contentID

		alias := &model.Alias{
			ContentID:  contentID,
			Filename:   params.Filename,
			Mimetype:   params.Mimetype,
			Expires:    params.Expires,
			Restricted: s.restricted,
		}
		if err := tx.AddAlias(ctx, alias); err != nil {
			// Запись Content откатывается вместе с транзакцией,
			// ID из последовательности не переиспользуется
			if published {
				s.removePublished(contentID)
				published = false
			}
			return newError(KindIOFailure, op, "ошибка создания alias", err)
		}
		result.AliasID = &alias.ID
		return nil
	})
	if err != nil {
		return nil, s.txError(op, err, published, result)
	}
	return result, nil
}

// txError приводит ошибку транзакции к таксономии. Ошибка вне тела
// транзакции (начало или фиксация) после публикации оставляет
// осиротевший файл: он логируется и остаётся внешнему GC.
func (s *UploadService) txError(op string, err error, published bool, result *CommitResult) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if published && result != nil {
		s.logger.Error("Транзакция не зафиксирована после публикации: возможен осиротевший файл",
			slog.Int64("content_id", result.ContentID),
			slog.String("path", filestore.ResolvePath(result.ContentID)),
			slog.String("error", err.Error()),
		)
	}
	return newError(KindIOFailure, op, "ошибка транзакции метаданных", err)
}

// findDuplicate ищет Content с тем же SHA-1 и побайтово идентичными данными.
// Возвращает 0, если совпадений нет. Кандидаты без файла на диске пропускаются.
func (s *UploadService) findDuplicate(ctx context.Context, tx catalog.Catalog, tempPath, sha1 string) (int64, error) {
	candidates, err := tx.LookupBySHA1(ctx, sha1)
	if err != nil {
		return 0, newError(KindIOFailure, "commit", "ошибка поиска дубликатов", err)
	}

	for _, id := range candidates {
		if !s.files.HasFile(id) {
			continue
		}
		same, err := s.files.SameContent(tempPath, id)
		if err != nil {
			if errors.Is(err, filestore.ErrNotFound) {
				continue
			}
			return 0, newError(KindIOFailure, "commit", "ошибка сравнения содержимого", err)
		}
		if same {
			return id, nil
		}
		s.logger.Warn("Коллизия SHA-1: данные отличаются",
			slog.String("sha1", sha1),
			slog.Int64("content_id", id),
		)
	}
	return 0, nil
}

// commitBulk публикует содержимое под заданным ID без создания alias.
func (s *UploadService) commitBulk(
	ctx context.Context,
	txID, tempPath string,
	content model.Content,
	contentID int64,
) (*CommitResult, error) {
	const op = "bulk_import"

	if s.files.HasFile(contentID) {
		return nil, newError(KindDuplicateID, op, fmt.Sprintf("файл содержимого %d уже существует", contentID), nil)
	}

	published := false
	err := s.meta.RunInTx(ctx, func(tx catalog.Catalog) error {
		c := content
		c.ID = contentID
		if err := tx.CreateContent(ctx, &c); err != nil {
			if errors.Is(err, catalog.ErrConflict) {
				return newError(KindDuplicateID, op, fmt.Sprintf("ID содержимого %d уже занят", contentID), err)
			}
			return newError(KindIOFailure, op, "ошибка создания записи содержимого", err)
		}
		if err := s.journal.AssignContent(txID, contentID); err != nil {
			return newError(KindIOFailure, op, "ошибка журнала загрузок", err)
		}
		if err := s.files.Publish(tempPath, contentID); err != nil {
			if errors.Is(err, filestore.ErrAlreadyExists) {
				return newError(KindDuplicateID, op, fmt.Sprintf("файл содержимого %d уже существует", contentID), err)
			}
			return newError(KindIOFailure, op, "ошибка публикации файла", err)
		}
		published = true
		return nil
	})
	result := &CommitResult{ContentID: contentID, Size: content.FileSize, SHA1: content.SHA1}
	if err != nil {
		return nil, s.txError(op, err, published, result)
	}
	return result, nil
}

// removePublished удаляет файл, опубликованный в откатываемой транзакции.
func (s *UploadService) removePublished(contentID int64) {
	if err := os.Remove(s.files.FullPath(contentID)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Не удалось удалить файл откатываемой транзакции",
			slog.Int64("content_id", contentID),
			slog.String("error", err.Error()),
		)
	}
}

// RecoverJournal обрабатывает записи журнала, оставшиеся pending после
// сбоя: удаляет временные файлы и помечает записи отменёнными.
// Опубликованные файлы не трогает: их судьбу решает внешний GC.
// Возвращает количество обработанных записей.
func (s *UploadService) RecoverJournal() (int, error) {
	pending, err := s.journal.RecoverPending()
	if err != nil {
		return 0, err
	}

	for _, e := range pending {
		attrs := []any{
			slog.String("tx_id", e.TransactionID),
			slog.String("operation", string(e.Operation)),
			slog.String("sha1", e.SHA1),
			slog.Time("started_at", e.StartedAt),
		}
		if e.ContentID != nil {
			attrs = append(attrs,
				slog.Int64("content_id", *e.ContentID),
				slog.Bool("file_exists", s.files.HasFile(*e.ContentID)),
			)
		}
		s.logger.Warn("Незавершённая фиксация загрузки", attrs...)

		if err := s.files.RemoveTemp(e.TempPath); err != nil {
			s.logger.Warn("Не удалось удалить временный файл", slog.String("error", err.Error()))
		}
		if err := s.journal.Rollback(e.TransactionID, "прервано перезапуском"); err != nil {
			s.logger.Error("Ошибка отката журнала",
				slog.String("tx_id", e.TransactionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := s.journal.CleanCompleted(); err != nil {
		s.logger.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
	}
	return len(pending), nil
}

// normalizeMimetype заменяет пустой MIME-тип на application/octet-stream.
// Параметры (charset) сохраняются: они отдаются клиенту при скачивании.
func normalizeMimetype(mimetype string) string {
	mimetype = strings.TrimSpace(mimetype)
	if mimetype == "" {
		return "application/octet-stream"
	}
	return mimetype
}
