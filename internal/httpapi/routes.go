package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/access"
	"github.com/DoyleJ11/diagram-collab/internal/hub"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/internal/ws"
)

type Deps struct {
	Hub      *hub.Hub
	Store    store.Store
	Resolver *access.Resolver
	WS       ws.Options
	Log      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.Handler(d.Hub, d.Resolver, d.WS, d.Log))

	r.Group(func(r chi.Router) {
		r.Use(accessLog(d.Log))
		r.Post("/projects", CreateProject(d.Store, d.Resolver, d.Log))
		r.Get("/projects/{id}/diagram", GetDiagram(d.Store, d.Resolver, d.Log))
		r.Put("/projects/{id}/diagram", PutDiagram(d.Store, d.Resolver, d.Log))
		r.Get("/projects/{id}/role", GetRole(d.Store, d.Resolver, d.Log))
		r.Get("/public/projects/{id}/diagram", GetPublicDiagram(d.Store, d.Log))
	})
	return r
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
