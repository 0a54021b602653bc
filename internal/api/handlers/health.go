// health.go — обработчики health endpoints.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (хранилище метаданных, корень
// содержимого, журнал загрузок, зависимости topologymetrics)
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/librarian/internal/config"
)

// Константы статусов health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// serviceName — имя сервиса в ответах health endpoints.
const serviceName = "librarian"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// Name — имя проверки в ответе
	Name() string
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	// root — корень хранилища содержимого (проверка записи в incoming/)
	root string
	// walDir — директория журнала загрузок
	walDir string
	meta   ReadinessChecker
	deps   DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil.
func NewHealthHandler(root, walDir string, meta ReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{root: root, walDir: walDir, meta: meta, deps: deps}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status       string                       `json:"status"`
	Timestamp    string                       `json:"timestamp"`
	Version      string                       `json:"version"`
	Service      string                       `json:"service"`
	Checks       map[string]healthCheckResult `json:"checks"`
	Dependencies map[string]bool              `json:"dependencies,omitempty"`
}

// HealthLive — liveness probe. Возвращает 200, если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe.
// Недоступность метаданных или корня содержимого — fail (503),
// журнала — degraded. Состояние topologymetrics справочное.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult),
	}

	metaName := "metadata"
	metaCheck := healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	if h.meta != nil {
		metaName = h.meta.Name()
		status, msg := h.meta.CheckReady()
		metaCheck = healthCheckResult{Status: status, Message: msg}
	}
	resp.Checks[metaName] = metaCheck

	storageCheck := checkWritable(filepath.Join(h.root, "incoming"), "Хранилище содержимого недоступно для записи")
	resp.Checks["storage"] = storageCheck

	walCheck := checkWritable(h.walDir, "Директория журнала недоступна для записи")
	if walCheck.Status == statusFail {
		walCheck.Status = statusDegraded
	}
	resp.Checks["wal"] = walCheck

	if h.deps != nil {
		resp.Dependencies = h.deps.Health()
	}

	resp.Status = overallStatus(metaCheck.Status, storageCheck.Status, walCheck.Status)

	status := http.StatusOK
	if resp.Status == statusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, failMsg string) healthCheckResult {
	if dir == "" {
		return healthCheckResult{Status: statusOK, Message: "Проверка не настроена"}
	}
	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return healthCheckResult{Status: statusFail, Message: failMsg + ": " + err.Error()}
	}
	_ = os.Remove(testFile)
	return healthCheckResult{Status: statusOK}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
