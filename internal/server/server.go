// Package server exposes the local control surface: state, intents, frames
// and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/livediff/internal/apiclient"
	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/pipeline"
	"github.com/gaspardpetit/livediff/internal/realtime"
	"github.com/gaspardpetit/livediff/internal/settings"
)

// Controller is the orchestrator surface driven over HTTP.
type Controller interface {
	View() pipeline.View
	Connect()
	Disconnect()
	ToggleConnection() realtime.State
	ActivateCamera(ctx context.Context) error
	DeactivateCamera()
	Settings() settings.GenerationSettings
	ApplySettings(ctx context.Context, p settings.Patch) (settings.GenerationSettings, error)
	SubmitPrompt(ctx context.Context, prompt, negative string) (settings.GenerationSettings, error)
	SourceFrame() *capture.Frame
	Processed() (pipeline.Processed, bool)
}

// Backend is the remote configuration API, proxied read-only.
type Backend interface {
	Status(ctx context.Context) (apiclient.StatusResponse, error)
	Models(ctx context.Context) (apiclient.ModelsResponse, error)
}

// Options configure the handler.
type Options struct {
	AllowedOrigins []string
	// Backend may be nil, in which case /api/backend routes return 404.
	Backend  Backend
	Gatherer prometheus.Gatherer
}

type handlers struct {
	ctl     Controller
	backend Backend
}

// New constructs the HTTP handler for the control surface.
func New(ctl Controller, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	h := &handlers{ctl: ctl, backend: opts.Backend}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", h.state)
		ar.Route("/connection", func(cr chi.Router) {
			cr.Post("/connect", h.connect)
			cr.Post("/disconnect", h.disconnect)
			cr.Post("/toggle", h.toggle)
		})
		ar.Route("/camera", func(cr chi.Router) {
			cr.Post("/activate", h.activateCamera)
			cr.Post("/deactivate", h.deactivateCamera)
		})
		ar.Get("/settings", h.getSettings)
		ar.Put("/settings", h.putSettings)
		ar.Post("/prompt", h.prompt)
		ar.Get("/frames/source", h.sourceFrame)
		ar.Get("/frames/processed", h.processedFrame)
		ar.Route("/backend", func(br chi.Router) {
			br.Get("/status", h.backendStatus)
			br.Get("/models", h.backendModels)
		})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.View())
}

type connectionResponse struct {
	State realtime.State `json:"state"`
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	h.ctl.Connect()
	writeJSON(w, http.StatusAccepted, connectionResponse{State: h.ctl.View().Connection.State})
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	h.ctl.Disconnect()
	writeJSON(w, http.StatusOK, connectionResponse{State: h.ctl.View().Connection.State})
}

func (h *handlers) toggle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, connectionResponse{State: h.ctl.ToggleConnection()})
}

func (h *handlers) activateCamera(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.ActivateCamera(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.View().Camera)
}

func (h *handlers) deactivateCamera(w http.ResponseWriter, r *http.Request) {
	h.ctl.DeactivateCamera()
	writeJSON(w, http.StatusOK, h.ctl.View().Camera)
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Settings())
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	s, err := h.ctl.ApplySettings(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type promptRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt"`
}

func (h *handlers) prompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := h.ctl.SubmitPrompt(r.Context(), req.Prompt, req.NegativePrompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) sourceFrame(w http.ResponseWriter, r *http.Request) {
	f := h.ctl.SourceFrame()
	if f == nil {
		http.Error(w, "no frame captured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := imaging.Encode(w, f.Image(), imaging.PNG); err != nil {
		logx.Log.Warn().Err(err).Msg("encode source frame")
	}
}

func (h *handlers) processedFrame(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ctl.Processed()
	if !ok {
		http.Error(w, "no processed image yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", p.MIME)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Id", p.FrameID)
	_, _ = w.Write(p.Image)
}

func (h *handlers) backendStatus(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		http.Error(w, "backend API not configured", http.StatusNotFound)
		return
	}
	st, err := h.backend.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) backendModels(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		http.Error(w, "backend API not configured", http.StatusNotFound)
		return
	}
	m, err := h.backend.Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apiclient.Error
	switch {
	case errors.Is(err, settings.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &ae):
		switch ae.Kind {
		case apiclient.KindTimeout:
			status = http.StatusGatewayTimeout
		case apiclient.KindNetwork:
			status = http.StatusBadGateway
		default:
			status = ae.Status
		}
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
