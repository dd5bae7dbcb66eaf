package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/catalog"
	"marketsync/internal/config"
	"marketsync/internal/coordinator"
	"marketsync/internal/pricing"
	"marketsync/internal/surface"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// CatalogStore is the catalog write path. Every call publishes a mutation
// event on success.
type CatalogStore interface {
	CreateCategory(ctx context.Context, f catalog.CategoryFields) (catalog.Category, error)
	UpdateCategory(ctx context.Context, id int64, f catalog.CategoryFields) (catalog.Category, error)
	DeleteCategory(ctx context.Context, id int64) error
	CreateService(ctx context.Context, f catalog.ServiceFields) (catalog.Service, error)
	UpdateService(ctx context.Context, id int64, f catalog.ServiceFields) (catalog.Service, error)
	DeleteService(ctx context.Context, id int64) error
	CreateMethod(ctx context.Context, f catalog.MethodFields) (catalog.PricingMethod, error)
	UpdateMethod(ctx context.Context, id int64, f catalog.MethodFields) (catalog.PricingMethod, error)
	DeleteMethod(ctx context.Context, id int64) error
	CreateModifier(ctx context.Context, f catalog.ModifierFields) (catalog.PricingModifier, error)
	UpdateModifier(ctx context.Context, id int64, f catalog.ModifierFields) (catalog.PricingModifier, error)
	DeleteModifier(ctx context.Context, id int64) error
}

type SnapshotReader interface {
	Get(ctx context.Context) (*catalog.Snapshot, error)
}

type SurfaceLister interface {
	AllSurfaceKeys(ctx context.Context) ([]string, error)
}

type Coordinator interface {
	Trigger(surfaceKey string, opts surface.Options)
	RebuildAll(keys []string)
	Health() coordinator.Health
	Jobs() []coordinator.JobStatus
}

// Deps are the collaborators behind the routes. Surfaces and Coord are nil
// when Discord sync is disabled; the admin routes then answer 503.
type Deps struct {
	Catalog   CatalogStore
	Snapshots SnapshotReader
	Calc      *pricing.Calculator
	Surfaces  SurfaceLister
	Coord     Coordinator
}

type Server struct {
	cfg  config.APIConfig
	log  *slog.Logger
	deps Deps
	mux  *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Calc == nil {
		deps.Calc = pricing.NewCalculator(logger)
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		deps: deps,
		mux:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/quote", s.handleQuote)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/admin/rebuild", s.handleRebuild)
			r.Post("/admin/surfaces/{key}/reconcile", s.handleReconcileSurface)

			if s.deps.Catalog == nil {
				return
			}
			r.Route("/catalog", func(r chi.Router) {
				st := s.deps.Catalog
				r.Post("/categories", handleCreate(st.CreateCategory))
				r.Patch("/categories/{id}", handleUpdate(st.UpdateCategory))
				r.Delete("/categories/{id}", handleDelete(st.DeleteCategory))

				r.Post("/services", handleCreate(st.CreateService))
				r.Patch("/services/{id}", handleUpdate(st.UpdateService))
				r.Delete("/services/{id}", handleDelete(st.DeleteService))

				r.Post("/methods", handleCreate(st.CreateMethod))
				r.Patch("/methods/{id}", handleUpdate(st.UpdateMethod))
				r.Delete("/methods/{id}", handleDelete(st.DeleteMethod))

				r.Post("/modifiers", handleCreate(checkedCondition(st.CreateModifier)))
				r.Patch("/modifiers/{id}", handleUpdate(func(ctx context.Context, id int64, f catalog.ModifierFields) (catalog.PricingModifier, error) {
					if err := validateCondition(f.Condition); err != nil {
						return catalog.PricingModifier{}, err
					}
					return st.UpdateModifier(ctx, id, f)
				}))
				r.Delete("/modifiers/{id}", handleDelete(st.DeleteModifier))
			})
		})
	})
}

// adminMiddleware guards admin and catalog routes with MARKET_ADMIN_TOKEN
// when one is configured.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Coord == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sync_enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync_enabled": true,
		"health":       s.deps.Coord.Health(),
		"jobs":         s.deps.Coord.Jobs(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MethodID int64            `json:"method_id"`
		Quantity *decimal.Decimal `json:"quantity"`
		Context  map[string]any   `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	qty := decimal.NewFromInt(1)
	if in.Quantity != nil {
		qty = *in.Quantity
	}

	snap, err := s.deps.Snapshots.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	method, ok := snap.Method(in.MethodID)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: pricing method %d", catalog.ErrNotFound, in.MethodID))
		return
	}
	result, err := s.deps.Calc.Compute(method, qty, in.Context)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coord == nil || s.deps.Surfaces == nil {
		writeError(w, http.StatusServiceUnavailable, "discord sync is disabled")
		return
	}
	keys, err := s.deps.Surfaces.AllSurfaceKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.deps.Coord.RebuildAll(keys)
	s.log.Info("rebuild requested", "surfaces", len(keys), "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{"surfaces": keys})
}

func (s *Server) handleReconcileSurface(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coord == nil {
		writeError(w, http.StatusServiceUnavailable, "discord sync is disabled")
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid surface key")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	s.deps.Coord.Trigger(key, surface.Options{Refresh: true, Force: force})
	writeJSON(w, http.StatusAccepted, map[string]any{"surface": key, "force": force})
}

func handleCreate[F, T any](create func(context.Context, F) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in F
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := create(r.Context(), in)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func handleUpdate[F, T any](update func(context.Context, int64, F) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var in F
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := update(r.Context(), id, in)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDelete(del func(context.Context, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := del(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func checkedCondition(create func(context.Context, catalog.ModifierFields) (catalog.PricingModifier, error)) func(context.Context, catalog.ModifierFields) (catalog.PricingModifier, error) {
	return func(ctx context.Context, f catalog.ModifierFields) (catalog.PricingModifier, error) {
		if err := validateCondition(f.Condition); err != nil {
			return catalog.PricingModifier{}, err
		}
		return create(ctx, f)
	}
}

// validateCondition rejects modifier conditions the calculator could not
// evaluate.
func validateCondition(expr *string) error {
	if expr == nil {
		return nil
	}
	if _, err := pricing.ParseCondition(*expr); err != nil {
		return fmt.Errorf("%w: condition: %v", catalog.ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidInput), errors.Is(err, pricing.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrInactiveMethod):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
