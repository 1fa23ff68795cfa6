// Package router maps the viewer API onto chi routes.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/catalog"
	"github.com/mohammed-shakir/oceanview/internal/conditions"
	"github.com/mohammed-shakir/oceanview/internal/core/health"
	"github.com/mohammed-shakir/oceanview/internal/core/middleware"
	"github.com/mohammed-shakir/oceanview/internal/layersync"
	"github.com/mohammed-shakir/oceanview/internal/selection"
	"github.com/mohammed-shakir/oceanview/internal/viewer"
)

// Selection drives and reports the current selection.
type Selection interface {
	Snapshot() selection.Snapshot
	Navigate(ctx context.Context, path string) error
	Deselect()
}

// Viewer samples values and manages layer styles.
type Viewer interface {
	Cursor(ctx context.Context, p orb.Point) viewer.CursorReading
	LeaveMap()
	Layers() map[string]layersync.Spec
	Styles() map[string]layersync.Style
	SetStyle(family string, st layersync.Style) bool
}

// Conditions looks up station observations; nil disables the routes.
type Conditions interface {
	Lookup(ctx context.Context, p orb.Point) (*conditions.Observation, error)
	ForgetBound(ctx context.Context, b orb.Bound) (int, error)
}

type Deps struct {
	Logger     *slog.Logger
	Catalog    *catalog.Catalog
	Selection  Selection
	Viewer     Viewer
	Conditions Conditions
	Ready      health.ReadinessReporter
	Checks     []health.Check
	Metrics    http.Handler
}

type api struct {
	log  *slog.Logger
	cat  *catalog.Catalog
	sel  Selection
	view Viewer
	cond Conditions
}

func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &api{log: d.Logger, cat: d.Catalog, sel: d.Selection, view: d.Viewer, cond: d.Conditions}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready, d.Checks...))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/regions", a.regions)
		r.Get("/state", a.state)
		r.Put("/selection", a.navigate)
		r.Put("/selection/*", a.navigate)
		r.Delete("/selection", a.deselect)
		r.Post("/cursor", a.cursor)
		r.Delete("/cursor", a.leave)
		r.Get("/layers", a.layers)
		r.Put("/layers/{family}", a.setStyle)
		r.Get("/conditions", a.conditions)
		r.Delete("/conditions", a.forgetConditions)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// selectionStatus maps selection errors onto HTTP status codes.
func selectionStatus(err error) int {
	switch {
	case errors.Is(err, selection.ErrBadPath):
		return http.StatusBadRequest
	case errors.Is(err, selection.ErrUnknownRegion),
		errors.Is(err, selection.ErrUnknownDataset),
		errors.Is(err, selection.ErrUnknownDate):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrNoRegion),
		errors.Is(err, selection.ErrNoDataset):
		return http.StatusConflict
	case errors.Is(err, selection.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func conditionsStatus(err error) int {
	switch {
	case errors.Is(err, conditions.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, conditions.ErrNoObservation):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
