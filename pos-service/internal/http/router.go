package http

import (
	"net/http"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/caja"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Deps struct {
	Sales   SaleService
	Cajas   CajaService
	Auth    caja.Authorizer
	Events  EventSource
	Metrics http.Handler
	Log     *zap.Logger
	Timeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	sales := NewSaleHandler(d.Sales, d.Timeout)
	cajas := NewCajaHandler(d.Cajas, d.Timeout)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(d.Log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Auth))

		// long lived, kept out of the request timeout
		if d.Events != nil {
			r.Get("/events", NewEventsHandler(d.Events).Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(d.Timeout))

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", sales.BeginSession)
				r.Route("/{session_id}", func(r chi.Router) {
					r.Get("/", sales.GetSession)
					r.Delete("/", sales.CancelSession)
					r.Post("/heartbeat", sales.Heartbeat)
					r.Post("/reservations", sales.Reserve)
					r.Delete("/reservations", sales.Release)
					r.Post("/commit", sales.Commit)
				})
			})

			r.Route("/stock", func(r chi.Router) {
				r.Get("/", sales.ListStock)
				r.Put("/{product_id}", sales.SetStock)
				r.Post("/{product_id}/restock", sales.Restock)
			})

			r.Route("/caja", func(r chi.Router) {
				r.Get("/", cajas.Current)
				r.Post("/", cajas.Open)
				r.Get("/pending", cajas.ListPending)
				r.Get("/history", cajas.History)
				r.Post("/transactions", cajas.PostTransaction)
				r.Post("/transactions/{transaction_id}/void", cajas.Void)
				r.Post("/close", cajas.Close)
				r.Post("/counts", cajas.Count)
				r.Post("/pending", cajas.MarkPending)
				r.Route("/{caja_id}", func(r chi.Router) {
					r.Get("/", cajas.Get)
					r.Get("/transactions", cajas.ListPostings)
					r.Get("/counts", cajas.ListCounts)
					r.Post("/counts", cajas.Count)
					r.Post("/close", cajas.Close)
					r.Post("/authorize", cajas.Authorize)
					r.Post("/pending", cajas.MarkPending)
					r.Post("/resolve", cajas.Resolve)
				})
			})
		})
	})

	return otelhttp.NewHandler(r, "pos-service")
}
