package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/provenance/internal/metrics"
)

// NewRouter returns a configured chi.Router for the provenance ledger API.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe (no authentication required)
//	GET  /metrics                        – Prometheus exposition (no authentication required)
//	POST /api/v1/files                   – upload a file, register it as a new case/version
//	POST /api/v1/verify                  – verify a candidate file against recorded provenance
//	GET  /api/v1/cases/{id}              – fetch a case
//	GET  /api/v1/cases                   – list recent cases (JWT required, if configured)
//	GET  /api/v1/cases/{id}/events       – list a case's provenance events
//	GET  /api/v1/cases/{id}/validate     – validate a case's chain integrity
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// cases-listing route. Pass nil to disable JWT validation, matching the
// dev-mode fallback when no key is configured.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/files", srv.handleUpload)
		r.Post("/verify", srv.handleVerify)
		r.Get("/cases/{id}", srv.handleGetCase)
		r.Get("/cases/{id}/events", srv.handleListEvents)
		r.Get("/cases/{id}/validate", srv.handleValidateChain)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(JWTMiddleware(pubKey))
			}
			r.Get("/cases", srv.handleListCases)
		})
	})

	return r
}
