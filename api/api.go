// Package api exposes the certificate lifecycle engine over a thin REST
// surface compatible with the xipki command set: cacert, enroll-cert,
// revoke-cert, delete-cert, crl and new-crl, addressed as /{ca}/{command}.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/coolhoo/xipki/ca"
)

// Request parameter and header names of the REST surface.
const (
	paramProfile        = "profile"
	paramSerialNumber   = "serial-number"
	paramReason         = "reason"
	paramInvalidityTime = "invalidity-time"
	paramNotBefore      = "not-before"
	paramNotAfter       = "not-after"
	paramCRLNumber      = "crl-number"
	paramCASha1         = "ca-sha1"

	headerPKIStatus = "X-xipki-pkistatus"
	headerFailInfo  = "X-xipki-fail-info"

	pkiStatusAccepted  = "accepted"
	pkiStatusRejection = "rejection"

	ctPKCS10   = "application/pkcs10"
	ctPkixCert = "application/pkix-cert"
	ctPkixCRL  = "application/pkix-crl"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	registry *ca.Registry
	resolver RequestorResolver
	logger   *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request-level diagnostics.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance serving the CAs held by the registry.
func New(registry *ca.Registry, resolver RequestorResolver, opts ...Option) *API {
	a := &API{
		registry: registry,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "rest")
	return a
}

// Router returns a chi.Router with all REST routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Route("/{caAlias}", func(r chi.Router) {
		r.Get("/cacert", a.CACert)
		r.Post("/enroll-cert", a.EnrollCert)
		r.Post("/revoke-cert", a.RevokeCert)
		r.Post("/delete-cert", a.DeleteCert)
		r.Get("/crl", a.GetCRL)
		r.Post("/new-crl", a.NewCRL)
	})

	return r
}

// authority resolves the CA addressed by the request path.
func (a *API) authority(r *http.Request) (*ca.Authority, bool) {
	alias := chi.URLParam(r, "caAlias")
	name := a.registry.ResolveAlias(alias)
	return a.registry.Get(name)
}
