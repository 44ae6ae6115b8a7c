package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatcore/internal/logger"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// quietPaths не пишутся в журнал запросов: их дёргают пробы балансировщика.
var quietPaths = map[string]bool{"/health": true}

// RecoverJSON при панике в обработчике логирует её и отдаёт JSON 500, если ответ ещё не начат.
// Обёртка chi сохраняет http.Hijacker, поэтому upgrade до WebSocket проходит.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww, ok := w.(chimw.WrapResponseWriter)
		if !ok {
			ww = chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic recovered: %s %s: %v", r.Method, r.URL.Path, rec)
			if ww.Status() != 0 {
				return
			}
			ww.Header().Set("Content-Type", "application/json; charset=utf-8")
			ww.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(ww).Encode(map[string]string{
				"error": "internal server error",
				"path":  r.URL.Path,
			})
		}()
		next.ServeHTTP(ww, r)
	})
}

// RequestLog пишет метод, путь, код ответа, объём и длительность каждого запроса.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ww, ok := w.(chimw.WrapResponseWriter)
		if !ok {
			ww = chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		}
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			// Hijack (WebSocket) или пустой ответ.
			status = http.StatusSwitchingProtocols
			if r.Header.Get("Upgrade") == "" {
				status = http.StatusOK
			}
		}
		logger.Debugf("http %s %s %d %dB %v", r.Method, r.URL.Path, status, ww.BytesWritten(), time.Since(start).Round(time.Microsecond))
		if status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s answered %d", r.Method, r.URL.Path, status)
		}
	})
}
