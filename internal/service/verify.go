// verify.go — проверка целостности хранилища содержимого.
//
// Сверяет записи Content с файлами на диске:
//   - missing_file: запись есть, файла нет
//   - size_mismatch: размер файла не совпадает с записью
//   - sha1_mismatch, md5_mismatch, sha256_mismatch: не совпал дайджест
//
// Только отчёт: осиротевшие файлы и дубликаты остаются внешнему GC.
// Запускается по запросу (API, CLI) и периодически (LIBRARIAN_VERIFY_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/storage/filestore"
)

// Типы проблем целостности.
const (
	IssueMissingFile    = "missing_file"
	IssueSizeMismatch   = "size_mismatch"
	IssueSHA1Mismatch   = "sha1_mismatch"
	IssueMD5Mismatch    = "md5_mismatch"
	IssueSHA256Mismatch = "sha256_mismatch"
)

// verifyBatchSize — размер страницы при обходе записей Content.
const verifyBatchSize = 500

// VerifyIssue — проблема целостности одного содержимого.
type VerifyIssue struct {
	ContentID   int64  `json:"content_id"`
	Type        string `json:"type"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// VerifySummary — количество проблем по типам.
type VerifySummary struct {
	OK               int `json:"ok"`
	MissingFiles     int `json:"missing_files"`
	SizeMismatches   int `json:"size_mismatches"`
	DigestMismatches int `json:"digest_mismatches"`
}

// VerifyReport — результат проверки.
type VerifyReport struct {
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	ContentsChecked int           `json:"contents_checked"`
	Issues          []VerifyIssue `json:"issues"`
	Summary         VerifySummary `json:"summary"`
}

// VerifyOptions — параметры проверки.
type VerifyOptions struct {
	// FromID, ToID — диапазон ID (включительно); ToID = 0 — без ограничения
	FromID int64
	ToID   int64
	// Checksums — пересчитывать дайджесты (иначе только наличие и размер)
	Checksums bool
}

// VerifyService — проверка целостности.
type VerifyService struct {
	meta     catalog.Catalog
	files    *filestore.FileStore
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex // защита от параллельного запуска
	inProgress bool
	cancel     context.CancelFunc
}

// NewVerifyService создаёт сервис проверки целостности.
// interval — период фоновой проверки (0 — только по запросу).
func NewVerifyService(
	meta catalog.Catalog,
	files *filestore.FileStore,
	interval time.Duration,
	logger *slog.Logger,
) *VerifyService {
	return &VerifyService{
		meta:     meta,
		files:    files,
		interval: interval,
		logger:   logger.With(slog.String("component", "verify")),
	}
}

// Start запускает фоновую проверку (только размеры) с периодом interval.
func (vs *VerifyService) Start(ctx context.Context) {
	if vs.interval <= 0 {
		return
	}
	vsCtx, cancel := context.WithCancel(ctx)
	vs.cancel = cancel

	go vs.run(vsCtx)

	vs.logger.Info("Фоновая проверка целостности запущена",
		slog.String("interval", vs.interval.String()),
	)
}

// Stop останавливает фоновую проверку.
func (vs *VerifyService) Stop() {
	if vs.cancel != nil {
		vs.cancel()
		vs.logger.Info("Фоновая проверка целостности остановлена")
	}
}

func (vs *VerifyService) run(ctx context.Context) {
	ticker := time.NewTicker(vs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := vs.RunOnce(ctx, VerifyOptions{}); err != nil && !errors.Is(err, context.Canceled) {
				vs.logger.Error("Ошибка фоновой проверки целостности", slog.String("error", err.Error()))
			}
		}
	}
}

// IsInProgress возвращает true, если проверка выполняется.
func (vs *VerifyService) IsInProgress() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.inProgress
}

// RunOnce выполняет одну проверку.
// Если проверка уже выполняется, возвращает nil, true, nil.
func (vs *VerifyService) RunOnce(ctx context.Context, opts VerifyOptions) (*VerifyReport, bool, error) {
	vs.mu.Lock()
	if vs.inProgress {
		vs.mu.Unlock()
		vs.logger.Warn("Проверка целостности уже выполняется, пропуск")
		return nil, true, nil
	}
	vs.inProgress = true
	vs.mu.Unlock()

	defer func() {
		vs.mu.Lock()
		vs.inProgress = false
		vs.mu.Unlock()
	}()

	report := &VerifyReport{StartedAt: time.Now().UTC(), Issues: []VerifyIssue{}}
	vs.logger.Info("Проверка целостности начата",
		slog.Int64("from_id", opts.FromID),
		slog.Int64("to_id", opts.ToID),
		slog.Bool("checksums", opts.Checksums),
	)

	afterID := opts.FromID - 1
	if afterID < 0 {
		afterID = 0
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		batch, err := vs.meta.ListContents(ctx, afterID, verifyBatchSize)
		if err != nil {
			return nil, false, newError(KindIOFailure, "verify", "ошибка чтения записей содержимого", err)
		}
		if len(batch) == 0 {
			break
		}

		done := false
		for i := range batch {
			c := &batch[i]
			if opts.ToID > 0 && c.ID > opts.ToID {
				done = true
				break
			}
			report.ContentsChecked++
			if issue := vs.check(c.ID, c.FileSize, c.SHA1, c.MD5, c.SHA256, opts.Checksums); issue != nil {
				report.Issues = append(report.Issues, *issue)
			}
		}
		afterID = batch[len(batch)-1].ID
		if done || len(batch) < verifyBatchSize {
			break
		}
	}

	for _, issue := range report.Issues {
		switch issue.Type {
		case IssueMissingFile:
			report.Summary.MissingFiles++
		case IssueSizeMismatch:
			report.Summary.SizeMismatches++
		default:
			report.Summary.DigestMismatches++
		}
		verifyIssuesTotal.WithLabelValues(issue.Type).Inc()
	}
	report.Summary.OK = report.ContentsChecked - len(report.Issues)
	report.CompletedAt = time.Now().UTC()

	verifyRunsTotal.Inc()
	verifyDurationSeconds.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())

	vs.logger.Info("Проверка целостности завершена",
		slog.Int("contents_checked", report.ContentsChecked),
		slog.Int("issues", len(report.Issues)),
		slog.Duration("duration", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, false, nil
}

// check проверяет одно содержимое. Возвращает nil, если проблем нет.
func (vs *VerifyService) check(id, size int64, sha1, md5, sha256 string, checksums bool) *VerifyIssue {
	path := filestore.ResolvePath(id)
	issue := func(typ, desc string) *VerifyIssue {
		return &VerifyIssue{ContentID: id, Type: typ, Path: path, Description: desc}
	}

	info, err := os.Stat(vs.files.FullPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return issue(IssueMissingFile, "запись Content есть, файла на диске нет")
		}
		vs.logger.Warn("Ошибка чтения файла содержимого",
			slog.Int64("content_id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if info.Size() != size {
		return issue(IssueSizeMismatch,
			fmt.Sprintf("размер на диске %d, в записи %d", info.Size(), size))
	}
	if !checksums {
		return nil
	}

	sums, err := vs.files.ComputeChecksums(id)
	if err != nil {
		vs.logger.Warn("Ошибка вычисления дайджестов",
			slog.Int64("content_id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	switch {
	case sums.SHA1 != sha1:
		return issue(IssueSHA1Mismatch, fmt.Sprintf("SHA-1 на диске %s, в записи %s", sums.SHA1, sha1))
	case md5 != "" && sums.MD5 != md5:
		return issue(IssueMD5Mismatch, fmt.Sprintf("MD5 на диске %s, в записи %s", sums.MD5, md5))
	case sha256 != "" && sums.SHA256 != sha256:
		return issue(IssueSHA256Mismatch, fmt.Sprintf("SHA-256 на диске %s, в записи %s", sums.SHA256, sha256))
	}
	return nil
}
