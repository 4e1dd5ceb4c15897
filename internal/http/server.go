package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"NFTBookCommerce/internal/metrics"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)
	r.Use(observe(m))

	r.Get("/health", handler.Health)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	r.Post("/stripe/webhook", handler.StripeWebhook)

	r.Route("/books/{listingId}", func(r chi.Router) {
		r.With(handler.replay).Post("/checkout", handler.BookCheckout)
		r.Get("/payments", handler.ListPayments)
		r.Route("/payments/{paymentId}", func(r chi.Router) {
			r.Get("/", handler.GetPayment)
			r.Post("/claim", handler.Claim)
			r.Post("/message", handler.BuyerMessage)
			r.Post("/sent", handler.MarkSent)
		})
	})

	r.Route("/carts", func(r chi.Router) {
		r.With(handler.replay).Post("/checkout", handler.CartCheckout)
		r.Post("/{cartId}/claim", handler.ClaimCart)
	})

	return &Server{Router: r}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, X-Wallet")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request counts and latency labelled by route pattern.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(route, status, time.Since(start))
		})
	}
}
