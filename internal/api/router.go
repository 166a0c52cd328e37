// Package api exposes the lifecycle, history, export and import services
// over HTTP. All responses are JSON; export downloads stream the produced
// artifact.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/services"
	"github.com/maturion/maturion/internal/store"
)

type Router struct {
	store       *store.SQLiteStore
	lifecycle   *services.LifecycleService
	history     *services.HistoryService
	exports     *services.ExportService
	imports     *services.ImportService
	tags        *services.TagService
	attachments *services.AttachmentService
	log         *zap.Logger
	version     string
}

type Options struct {
	Store       *store.SQLiteStore
	Lifecycle   *services.LifecycleService
	History     *services.HistoryService
	Exports     *services.ExportService
	Imports     *services.ImportService
	Tags        *services.TagService
	Attachments *services.AttachmentService
	Log         *zap.Logger
	Version     string
}

func NewRouter(opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		store:       opts.Store,
		lifecycle:   opts.Lifecycle,
		history:     opts.History,
		exports:     opts.Exports,
		imports:     opts.Imports,
		tags:        opts.Tags,
		attachments: opts.Attachments,
		log:         log,
		version:     opts.Version,
	}
}

// Handler builds the chi mux.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", rt.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/assessments", func(r chi.Router) {
			r.Post("/", rt.handleStart)
			r.Get("/", rt.handleListAssessments)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rt.handleGetAssessment)
				r.Delete("/", rt.handleDeleteAssessment)
				r.Post("/ratings", rt.handleSaveRating)
				r.Post("/finalize", rt.handleFinalize)
				r.Post("/edit", rt.handleEdit)
				r.Post("/revert", rt.handleRevert)
				r.Put("/tags", rt.handleUpdateTags)
			})
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/{code}", rt.handleHistoryByItem)
			r.Delete("/{code}", rt.handleClearHistory)
			r.Get("/entries/{id}", rt.handleGetHistory)
			r.Delete("/entries/{id}", rt.handleDeleteHistory)
		})
		r.Get("/tags", rt.handleListTags)
		r.Get("/export", rt.handleExport)
		r.Post("/import", rt.handleImport)
		r.Route("/attachments", func(r chi.Router) {
			r.Post("/", rt.handleUploadAttachment)
			r.Get("/{id}", rt.handleGetAttachment)
			r.Delete("/{id}", rt.handleDeleteAttachment)
		})
	})
	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"name":    "Maturion API",
		"version": rt.version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if se, ok := services.AsServiceError(err); ok {
		switch se.Code {
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorValidation, services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorStorage:
			status = http.StatusInternalServerError
		}
	}
	if status == http.StatusInternalServerError {
		rt.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
