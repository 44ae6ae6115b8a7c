package handler

import (
	"net/http"
	"strings"

	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/fileserver"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/ws"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps — всё, что нужно HTTP-слою.
type Deps struct {
	Config *config.Config
	Hub    *ws.Hub
	Engine ws.Handler
	Files  *fileserver.Service
	// StaticDir — собранный фронтенд; пусто — статика не раздаётся.
	StaticDir string
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	wsH := NewWSHandler(d.Hub, d.Engine, ws.Options{
		SendBufferSize: cfg.WSSendBufferSize,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, cfg.CORSAllowedOrigins)
	fileH := NewFileHandler(d.Files)
	configH := NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", Health(d.Hub))
	r.Get("/ws", wsH.ServeWS)
	r.Get("/api/config/limits", configH.GetLimits)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitIP(0))
		r.Post("/api/files/upload", fileH.Upload)
		r.Get("/api/files/{reference}", fileH.Serve)
	})
	if d.StaticDir != "" {
		r.Get("/*", spaHandler(d.StaticDir))
	}
	return r
}
