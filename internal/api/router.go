package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/vmail-leases/internal/auth"
	"github.com/vdavid/vmail-leases/internal/imap"
	ws "github.com/vdavid/vmail-leases/internal/websocket"
)

// Deps are the components the admin API serves.
type Deps struct {
	AdminToken string
	Detector   Sweeper
	Holders    []StatsSource
	// Leaks is nil when leak reports are not persisted.
	Leaks LeakLister
	Hub   *ws.Hub
	IMAP  imap.IMAPPool
}

// NewRouter creates the admin HTTP handler.
func NewRouter(deps Deps) http.Handler {
	holdersHandler := NewHoldersHandler(deps.Detector, deps.Holders...)
	leaksHandler := NewLeaksHandler(deps.Leaks)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", handleRoot)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireToken(deps.AdminToken))

		r.Get("/holders", holdersHandler.GetHolders)
		r.Post("/sweep", holdersHandler.Sweep)
		r.Get("/leaks", leaksHandler.GetLeaks)

		if deps.Hub != nil {
			r.Get("/ws", NewWebSocketHandler(deps.Hub).Handle)
		}

		if deps.IMAP != nil {
			imapHandler := NewIMAPHandler(deps.IMAP)
			r.Post("/imap/check", imapHandler.Check)
			r.Delete("/imap/connections/{userID}", imapHandler.RemoveConnection)
		}
	})

	return r
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("vmail-leases admin API\n"))
}
