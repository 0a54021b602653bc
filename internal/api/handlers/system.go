// system.go — публичные системные endpoints:
// GET /api/v1/info и GET /api/v1/openapi.json.
package handlers

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/bigkaa/librarian/internal/config"
)

// InfoResponse — ответ GET /api/v1/info.
type InfoResponse struct {
	ServiceID       string `json:"service_id"`
	Version         string `json:"version"`
	Partition       string `json:"partition"`
	MetadataBackend string `json:"metadata_backend"`
	MirrorEnabled   bool   `json:"mirror_enabled"`
	MacaroonAuth    bool   `json:"macaroon_auth"`
	MaxFileSize     int64  `json:"max_file_size"`
	TokenLifetime   string `json:"token_lifetime"`
	// Capacity — ёмкость тома с корнем хранилища (nil, если недоступна)
	Capacity *CapacityInfo `json:"capacity,omitempty"`
}

// CapacityInfo — ёмкость тома в байтах.
type CapacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// DiskUsageFunc возвращает ёмкость тома хранилища.
type DiskUsageFunc func() (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	doc       *openapi3.T
	diskUsage DiskUsageFunc
}

// NewSystemHandler создаёт обработчик системных endpoints.
// doc — загруженный и провалидированный OpenAPI-документ,
// diskUsage может быть nil.
func NewSystemHandler(cfg *config.Config, doc *openapi3.T, diskUsage DiskUsageFunc) *SystemHandler {
	return &SystemHandler{cfg: cfg, doc: doc, diskUsage: diskUsage}
}

// GetInfo обрабатывает GET /api/v1/info. Без аутентификации.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	partition := "public"
	if h.cfg.Restricted {
		partition = "restricted"
	}
	resp := InfoResponse{
		ServiceID:       h.cfg.ServiceID,
		Version:         config.Version,
		Partition:       partition,
		MetadataBackend: h.cfg.MetadataBackend,
		MirrorEnabled:   h.cfg.S3Bucket != "",
		MacaroonAuth:    h.cfg.AuthServerURL != "",
		MaxFileSize:     h.cfg.MaxFileSize,
		TokenLifetime:   h.cfg.TokenLifetime.String(),
	}
	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			resp.Capacity = &CapacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOpenAPI обрабатывает GET /api/v1/openapi.json.
func (h *SystemHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.doc)
}
