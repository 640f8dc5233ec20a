package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware, s.accessLog, s.recoverPanics)
	r.Use(newCORSPolicy(s.cfg.CORS).middleware, limitBody)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/interfaces", func(r chi.Router) {
				r.Get("/", s.handleListInterfaces)
				r.Route("/{domain}", func(r chi.Router) {
					r.Get("/modules", s.handleListModules)
					r.Post("/modules/{address}/command", s.handleCommand)
					r.Get("/modules/{address}/history", s.handleModuleHistory)
					r.Put("/options/{name}", s.handleSetOption)
				})
			})

			r.Get("/commands", s.handleListCommands)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	infos := s.gateway.Interfaces()
	for _, info := range infos {
		if info.Connected {
			connected++
		}
	}
	status := "ok"
	if connected < len(infos) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":               status,
		"version":              s.version,
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
		"interfaces":           len(infos),
		"connected_interfaces": connected,
		"websocket_clients":    s.hub.ClientCount(),
		"websocket_dropped":    s.hub.Dropped(),
	})
}
