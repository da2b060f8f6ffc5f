// Пакет handlers — HTTP handlers Upload Guard.
// handler.go — общие вспомогательные функции.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// queryInt читает целочисленный query-параметр. Отсутствие — defaultVal.
func queryInt(r *http.Request, name string, defaultVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("параметр %s: ожидалось неотрицательное целое, получено %q", name, raw)
	}
	return n, nil
}

// formatTime форматирует время для API-ответов.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
