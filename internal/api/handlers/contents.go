// contents.go — handlers метаданных: alias содержимого и поиск по SHA-1.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/librarian/internal/api/errors"
	"github.com/bigkaa/librarian/internal/domain/model"
	"github.com/bigkaa/librarian/internal/service"
)

// ContentsHandler — обработчик endpoints /api/v1/contents.
type ContentsHandler struct {
	aliases *service.AliasService
}

// NewContentsHandler создаёт обработчик метаданных.
func NewContentsHandler(aliases *service.AliasService) *ContentsHandler {
	return &ContentsHandler{aliases: aliases}
}

// AddAliasRequest — тело POST /api/v1/contents/{content_id}/aliases.
type AddAliasRequest struct {
	Filename string     `json:"filename"`
	Mimetype string     `json:"mimetype"`
	Expires  *time.Time `json:"expires,omitempty"`
}

// AddAliasResponse — ответ на создание alias.
type AddAliasResponse struct {
	AliasID   int64 `json:"alias_id"`
	ContentID int64 `json:"content_id"`
}

// AliasListResponse — ответ GET /api/v1/contents/{content_id}/aliases.
type AliasListResponse struct {
	ContentID int64             `json:"content_id"`
	Items     []model.AliasInfo `json:"items"`
}

// LookupResponse — ответ GET /api/v1/contents/by-sha1/{sha1}.
type LookupResponse struct {
	SHA1       string  `json:"sha1"`
	ContentIDs []int64 `json:"content_ids"`
}

// AddAlias обрабатывает POST /api/v1/contents/{content_id}/aliases.
func (h *ContentsHandler) AddAlias(w http.ResponseWriter, r *http.Request) {
	contentID, err := pathInt64(r, "content_id")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var req AddAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	aliasID, err := h.aliases.AddAlias(r.Context(), contentID, req.Filename, req.Mimetype, req.Expires)
	if err != nil {
		apierrors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddAliasResponse{AliasID: aliasID, ContentID: contentID})
}

// GetAliases обрабатывает GET /api/v1/contents/{content_id}/aliases.
// Возвращаются только alias раздела экземпляра.
func (h *ContentsHandler) GetAliases(w http.ResponseWriter, r *http.Request) {
	contentID, err := pathInt64(r, "content_id")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	items, err := h.aliases.GetAliases(r.Context(), contentID)
	if err != nil {
		apierrors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AliasListResponse{ContentID: contentID, Items: items})
}

// LookupBySHA1 обрабатывает GET /api/v1/contents/by-sha1/{sha1}.
func (h *ContentsHandler) LookupBySHA1(w http.ResponseWriter, r *http.Request) {
	digest, err := pathString(r, "sha1")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	ids, err := h.aliases.LookupBySHA1(r.Context(), digest)
	if err != nil {
		apierrors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{SHA1: digest, ContentIDs: ids})
}
