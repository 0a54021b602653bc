// mirror.go — выгрузка содержимого в удалённое зеркало.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/storage/filestore"
)

// MirrorWriter — зеркало, принимающее файлы содержимого.
type MirrorWriter interface {
	MirrorChecker
	Put(ctx context.Context, contentID int64, path string) error
}

// FeedReport — итог выгрузки в зеркало.
type FeedReport struct {
	Checked  int `json:"checked"`
	Uploaded int `json:"uploaded"`
	// Present — уже были в зеркале
	Present int `json:"present"`
	// Missing — нет файла на локальном диске
	Missing int `json:"missing"`
	Failed  int `json:"failed"`
}

// MirrorService — выгрузка содержимого в зеркало.
type MirrorService struct {
	meta   catalog.Catalog
	files  *filestore.FileStore
	mirror MirrorWriter
	logger *slog.Logger
}

// NewMirrorService создаёт сервис выгрузки.
func NewMirrorService(meta catalog.Catalog, files *filestore.FileStore, mirror MirrorWriter, logger *slog.Logger) *MirrorService {
	return &MirrorService{
		meta:   meta,
		files:  files,
		mirror: mirror,
		logger: logger.With(slog.String("component", "mirror_feed")),
	}
}

// Feed выгружает содержимое с ID из [fromID, toID] (toID = 0 — до конца).
// Объекты, уже имеющиеся в зеркале, не перезаписываются: содержимое
// неизменяемо. Ошибка отдельного объекта учитывается в Failed и
// не прерывает выгрузку.
func (s *MirrorService) Feed(ctx context.Context, fromID, toID int64) (*FeedReport, error) {
	report := &FeedReport{}
	afterID := fromID - 1
	if afterID < 0 {
		afterID = 0
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.meta.ListContents(ctx, afterID, verifyBatchSize)
		if err != nil {
			return report, newError(KindIOFailure, "feed", "ошибка чтения записей содержимого", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			id := batch[i].ID
			if toID > 0 && id > toID {
				return s.finish(report), nil
			}
			report.Checked++
			s.feedOne(ctx, id, report)
		}
		afterID = batch[len(batch)-1].ID
		if len(batch) < verifyBatchSize {
			break
		}
	}
	return s.finish(report), nil
}

func (s *MirrorService) feedOne(ctx context.Context, id int64, report *FeedReport) {
	if !s.files.HasFile(id) {
		report.Missing++
		mirrorOperationsTotal.WithLabelValues("feed", "missing").Inc()
		return
	}

	exists, err := s.mirror.Exists(ctx, id)
	if err != nil {
		report.Failed++
		mirrorOperationsTotal.WithLabelValues("exists", "error").Inc()
		s.logger.Warn("Ошибка проверки объекта в зеркале",
			slog.Int64("content_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if exists {
		report.Present++
		mirrorOperationsTotal.WithLabelValues("feed", "present").Inc()
		return
	}

	if err := s.mirror.Put(ctx, id, s.files.FullPath(id)); err != nil {
		report.Failed++
		mirrorOperationsTotal.WithLabelValues("put", "error").Inc()
		s.logger.Warn("Ошибка выгрузки в зеркало",
			slog.Int64("content_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Uploaded++
	mirrorOperationsTotal.WithLabelValues("put", "ok").Inc()
}

func (s *MirrorService) finish(report *FeedReport) *FeedReport {
	s.logger.Info("Выгрузка в зеркало завершена",
		slog.Int("checked", report.Checked),
		slog.Int("uploaded", report.Uploaded),
		slog.Int("present", report.Present),
		slog.Int("missing", report.Missing),
		slog.Int("failed", report.Failed),
	)
	return report
}
