// params.go — разбор path-параметров маршрутов chi.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// pathInt64 извлекает положительный целочисленный path-параметр.
func pathInt64(r *http.Request, name string) (int64, error) {
	var v int64
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{
			ParamLocation: runtime.ParamLocationPath,
			Explode:       false,
			Required:      true,
		})
	if err != nil {
		return 0, fmt.Errorf("некорректный параметр %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("параметр %s должен быть положительным", name)
	}
	return v, nil
}

// pathString извлекает строковый path-параметр.
func pathString(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{
			ParamLocation: runtime.ParamLocationPath,
			Explode:       false,
			Required:      true,
		})
	if err != nil {
		return "", fmt.Errorf("некорректный параметр %s: %w", name, err)
	}
	return v, nil
}

// pathFilename возвращает имя файла — последний сегмент пути запроса,
// декодированный ровно один раз. chi отдаёт параметр то декодированным
// (r.URL.Path), то нет (r.URL.RawPath), поэтому имя берётся из EscapedPath:
// "100%25.txt" → "100%.txt", "a%2541.txt" → "a%41.txt", "a%2Fb" → "a/b".
func pathFilename(r *http.Request) (string, error) {
	escaped := r.URL.EscapedPath()
	segment := escaped[strings.LastIndex(escaped, "/")+1:]
	if segment == "" {
		return "", fmt.Errorf("пустое имя файла")
	}
	name, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("некорректное имя файла %q: %w", segment, err)
	}
	return name, nil
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
