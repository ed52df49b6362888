package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/relvacode/iso8601"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/logger"
)

// maxBodyBytes — предел тела запроса (пакет из 500 показаний с метаданными укладывается).
const maxBodyBytes = 4 << 20

// envelope — единый формат ответа API.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeOK(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

// writeAppError переводит ошибку сервиса в HTTP-ответ. Внутренние подробности только в лог.
func writeAppError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s req=%s: %v", op, chimw.GetReqID(r.Context()), err)
	} else {
		logger.Debugf("%s req=%s: %v", op, chimw.GetReqID(r.Context()), err)
	}
	writeError(w, status, apperr.PublicMessage(err))
}

// decodeJSON читает тело с ограничением размера. Ошибка: ValidationError.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	return v == "1" || v == "true" || v == "yes"
}

// queryTime разбирает ISO-8601 или unix-миллисекунды. Пустое значение: nil.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := iso8601.ParseString(v)
	if err != nil {
		return nil, apperr.Validationf("%s must be ISO-8601 or unix milliseconds", key)
	}
	t = t.UTC()
	return &t, nil
}
