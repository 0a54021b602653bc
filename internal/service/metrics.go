// metrics.go — бизнес-метрики Librarian.
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// uploadsTotal — результаты фиксации загрузок.
	// result: created, dedup, bulk, digest_mismatch, duplicate_id, error.
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_uploads_total",
		Help: "Количество фиксаций загрузок по результату.",
	}, []string{"result"})

	// uploadBytesTotal — объём принятых данных (включая дедуплицированные).
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_upload_bytes_total",
		Help: "Объём данных, принятых в успешно зафиксированных загрузках.",
	})

	// accessDecisionsTotal — решения слоя доступа.
	// state: authorized, unauthorized, not_found, error.
	accessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_access_decisions_total",
		Help: "Количество решений о доступе к alias по результату.",
	}, []string{"state", "credential"})

	// verifyIssuesTotal — проблемы, найденные проверкой целостности.
	verifyIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_verify_issues_total",
		Help: "Количество проблем целостности по типу.",
	}, []string{"type"})

	// verifyRunsTotal — запуски проверки целостности.
	verifyRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_verify_runs_total",
		Help: "Количество завершённых проверок целостности.",
	})

	// verifyDurationSeconds — длительность проверки целостности.
	verifyDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "librarian_verify_duration_seconds",
		Help:    "Длительность проверки целостности в секундах.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})

	// mirrorOperationsTotal — операции с S3-зеркалом.
	mirrorOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_mirror_operations_total",
		Help: "Количество операций с S3-зеркалом по типу и результату.",
	}, []string{"operation", "result"})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_location_cache_hits_total",
		Help: "Количество попаданий в кэш наличия содержимого в S3-зеркале.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_location_cache_misses_total",
		Help: "Количество промахов кэша наличия содержимого в S3-зеркале.",
	})
)
