package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"onchain-agent/internal/optimizer"
	"onchain-agent/internal/provider"
)

// API wires the gateway's handlers to their dependencies. Everything is
// injected; there is no package-level state.
type API struct {
	cfg       ServerConfig
	keys      *KeyManager
	store     Store
	limiter   *RateLimiter
	opt       *optimizer.Optimizer
	providers map[string]provider.Provider
	upstreams map[string]UpstreamConfig
	settler   *Settler
	obs       *Observability
}

func NewAPI(
	cfg ServerConfig,
	keys *KeyManager,
	store Store,
	limiter *RateLimiter,
	opt *optimizer.Optimizer,
	providers map[string]provider.Provider,
	settler *Settler,
	obs *Observability,
) *API {
	upstreams := map[string]UpstreamConfig{}
	for _, up := range cfg.Upstreams {
		upstreams[strings.ToLower(up.Name)] = up
	}
	return &API{
		cfg:       cfg,
		keys:      keys,
		store:     store,
		limiter:   limiter,
		opt:       opt,
		providers: providers,
		upstreams: upstreams,
		settler:   settler,
		obs:       obs,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(a.withCORS)
	r.Use(metricsMiddleware)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", a.handleInfo)
		r.Get("/providers", a.handleProviders)

		r.With(a.requireKey(PermOptimize)).Post("/optimize", a.handleOptimize)
		r.With(a.requireKey(PermChat)).Post("/chat", a.handleChat)
		r.With(a.requireKey(PermAnalytics)).Get("/analytics", a.handleAnalytics)

		r.Route("/wallet", func(r chi.Router) {
			r.Use(a.requireKey(PermWallet))
			r.Post("/connect", a.handleWalletConnect)
			r.Get("/{address}", a.handleWalletGet)
			r.Get("/{address}/transactions", a.handleWalletTransactions)
			r.Post("/{address}/deposit", a.handleWalletDeposit)
			r.Post("/{address}/settle", a.handleWalletSettle)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Post("/keys", a.handleAdminCreateKey)
			r.Get("/keys", a.handleAdminListKeys)
			r.Delete("/keys/{id}", a.handleAdminDeleteKey)
			r.Get("/keys/{id}/requests", a.handleAdminKeyRequests)
			r.Get("/overview", a.handleAdminOverview)
		})
	})

	return otelhttp.NewHandler(r, "agent-gateway-http")
}

// requireKey authenticates the X-API-Key header, checks the permission and
// the rate limit, then records the request in the key's rolling log.
func (a *API) requireKey(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, err := a.keys.Authenticate(r)
			if err != nil {
				writeFailure(w, http.StatusUnauthorized, err.Error())
				return
			}
			if !rec.HasPermission(permission) {
				writeFailure(w, http.StatusForbidden, "key lacks "+permission+" permission")
				return
			}
			if !a.limiter.Allow(rec.ID) {
				a.obs.MarkRateLimited(r.Context())
				w.Header().Set("Retry-After", "60")
				writeFailure(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(withKey(r.Context(), rec)))
			a.recordKeyRequest(rec.ID, r, ww.Status(), time.Since(start))
		})
	}
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.keys.IsAdmin(r) {
			writeFailure(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordKeyRequest appends one entry to the key's rolling request log and
// bumps the lifetime counter. The log is capped at the configured size with
// the oldest entries dropped first.
func (a *API) recordKeyRequest(keyID string, r *http.Request, status int, elapsed time.Duration) {
	entry := RequestLogEntry{
		Timestamp:  nowRFC3339(),
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
	}
	logSize := a.cfg.Keys.RequestLogSize
	_, _ = a.store.UpdateKey(keyID, func(rec *KeyRecord) {
		rec.Requests = append(rec.Requests, entry)
		if len(rec.Requests) > logSize {
			rec.Requests = rec.Requests[len(rec.Requests)-logSize:]
		}
		rec.Usage.Requests++
		rec.LastUsedAt = entry.Timestamp
	})
}

func (a *API) withCORS(next http.Handler) http.Handler {
	allowed := a.cfg.Security.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(allowed) > 0 {
			origin = ""
			requestOrigin := r.Header.Get("Origin")
			for _, candidate := range allowed {
				if candidate == "*" {
					origin = "*"
					break
				}
				if strings.EqualFold(candidate, requestOrigin) {
					origin = requestOrigin
					break
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeFailure(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"ready": true})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"name":               a.cfg.Observer.ServiceName,
		"chain_id":           a.cfg.Payments.ChainID,
		"settlement_token":   a.cfg.Payments.Token,
		"settlement_address": a.cfg.Payments.SettlementAddress,
		"key_prefix":         a.cfg.Keys.Prefix,
		"actions":            []string{"optimize", "chat", "wallet", "analytics"},
	})
}

func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	catalog := a.opt.Catalog()
	byProvider := map[string][]optimizer.ModelPricing{}
	for _, entry := range catalog {
		name := strings.ToLower(entry.Provider)
		byProvider[name] = append(byProvider[name], entry)
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"providers": optimizer.Providers(catalog),
		"catalog":   byProvider,
	})
}
