// Package router holds the HTTP handlers of the headless host API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/command"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/engine"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
	"github.com/mohammed-shakir/parcel-map-sync/internal/viewport"
)

const maxBody = 1 << 20

// Engine is the part of the sync engine the handlers drive.
type Engine interface {
	OnBoundsChange(raw model.Viewport) error
	SetSelection(key string) error
	SetHighlights(keys []string) error
	SetFilterMatches(keys []string) error
	Hover(layer, key string) error
	SetLayerVisible(key string, visible bool) error
	SetLayerOpacity(key string, opacity float64) error
	Apply(in *command.Intent) error
	Snapshot() engine.Snapshot
	Property(ctx context.Context, key string) (map[string]any, error)
	InvalidateLayer(ctx context.Context, key string, area *orb.Bound) error
}

// CommandParser turns free text into an intent; nil means not a command.
type CommandParser interface {
	Parse(text string) *command.Intent
}

type Handlers struct {
	eng    Engine
	reg    *layers.Registry
	parser CommandParser
	log    *slog.Logger
}

func New(eng Engine, reg *layers.Registry, parser CommandParser, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{eng: eng, reg: reg, parser: parser, log: log}
}

// Mount registers the API routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/layers", h.Layers)
	r.Post("/layers/{key}", h.UpdateLayer)
	r.Post("/layers/{key}/invalidate", h.Invalidate)
	r.Post("/viewport", h.Viewport)
	r.Post("/command", h.Command)
	r.Post("/selection", h.Selection)
	r.Post("/highlights", h.Highlights)
	r.Post("/filter-matches", h.FilterMatches)
	r.Post("/hover", h.Hover)
	r.Get("/state", h.State)
	r.Get("/property/{key}", h.Property)
}

func (h *Handlers) Layers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"layers": h.reg.All()})
}

type layerUpdate struct {
	Visible *bool    `json:"visible"`
	Opacity *float64 `json:"opacity"`
}

func (h *Handlers) UpdateLayer(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body layerUpdate
	if !h.decode(w, r, &body) {
		return
	}
	if body.Visible == nil && body.Opacity == nil {
		http.Error(w, "expected visible and/or opacity", http.StatusBadRequest)
		return
	}
	if body.Visible != nil {
		if err := h.eng.SetLayerVisible(key, *body.Visible); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if body.Opacity != nil {
		if err := h.eng.SetLayerOpacity(key, *body.Opacity); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	BBox []float64 `json:"bbox"`
}

// Invalidate drops cached data for a layer after an upstream change. The
// optional bbox is [west, south, east, north]; without it the whole layer
// is affected. An empty body is accepted.
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	var area *orb.Bound
	if body.BBox != nil {
		vp := model.Viewport{}
		if len(body.BBox) == 4 {
			vp = model.Viewport{West: body.BBox[0], South: body.BBox[1], East: body.BBox[2], North: body.BBox[3]}
		}
		if len(body.BBox) != 4 || vp.Validate() != nil {
			http.Error(w, "bbox must be [west, south, east, north]", http.StatusBadRequest)
			return
		}
		b := vp.Bound()
		area = &b
	}
	if err := h.eng.InvalidateLayer(r.Context(), chi.URLParam(r, "key"), area); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) Viewport(w http.ResponseWriter, r *http.Request) {
	var vp model.Viewport
	if !h.decode(w, r, &vp) {
		return
	}
	if err := h.eng.OnBoundsChange(vp); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type commandRequest struct {
	Text string `json:"text"`
}

type commandResponse struct {
	Matched bool            `json:"matched"`
	Intent  *command.Intent `json:"intent,omitempty"`
}

// Command answers matched=false for text that is not a command so the
// caller can hand it to a general query handler.
func (h *Handlers) Command(w http.ResponseWriter, r *http.Request) {
	var body commandRequest
	if !h.decode(w, r, &body) {
		return
	}
	in := h.parser.Parse(body.Text)
	if in == nil {
		writeJSON(w, http.StatusOK, commandResponse{})
		return
	}
	if err := h.eng.Apply(in); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.InfoContext(r.Context(), "command applied", "kind", in.Kind, "key", in.Key, "action", in.Action)
	writeJSON(w, http.StatusOK, commandResponse{Matched: true, Intent: in})
}

type selectionRequest struct {
	Key string `json:"key"`
}

func (h *Handlers) Selection(w http.ResponseWriter, r *http.Request) {
	var body selectionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.eng.SetSelection(body.Key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

func (h *Handlers) Highlights(w http.ResponseWriter, r *http.Request) {
	var body keysRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.eng.SetHighlights(body.Keys); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FilterMatches takes {"keys": null} to turn dimming off.
func (h *Handlers) FilterMatches(w http.ResponseWriter, r *http.Request) {
	var body keysRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.eng.SetFilterMatches(body.Keys); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hoverRequest struct {
	Layer string `json:"layer"`
	Key   string `json:"key"`
}

func (h *Handlers) Hover(w http.ResponseWriter, r *http.Request) {
	var body hoverRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.eng.Hover(body.Layer, body.Key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) State(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Snapshot())
}

func (h *Handlers) Property(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Property(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	var se *provider.StatusError
	switch {
	case errors.Is(err, viewport.ErrMalformed), errors.Is(err, engine.ErrBadIntent), errors.Is(err, engine.ErrEmptyFilter):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownLayer), errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
