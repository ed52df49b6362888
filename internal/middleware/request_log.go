package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cascowatch/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: request id, method, path и время выполнения (асинхронно, не блокирует).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+chimw.GetReqID(r.Context())+" "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(w, r)
	})
}

// EchoRequestID возвращает request id клиенту в X-Request-Id, чтобы жалобу можно было найти в логах.
// Ставится после chimw.RequestID.
func EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
