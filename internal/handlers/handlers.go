// Package handlers exposes a chime over a small HTTP control API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"chimenet/internal/cache"
	"chimenet/internal/chime"
	"chimenet/internal/models"
	"chimenet/internal/presence"
)

// Controller is the chime the API operates on
type Controller interface {
	Info() models.ChimeInfo
	Status() models.ChimeStatus
	SetMode(ctx context.Context, mode models.PresenceMode) error
	States() []models.CustomState
	RegisterState(state models.CustomState) error
	RemoveState(ctx context.Context, name string) bool
	Conditions() map[string]bool
	SetCondition(key string, value bool)
	Pending() []string
	Respond(ctx context.Context, resp models.Response, ringID string) (models.ResponseMessage, error)
	RingOther(ctx context.Context, user, chimeID string, notes, chords []string, duration time.Duration) (string, error)
}

// PeerLister lists the chimes of other users seen on the network
type PeerLister interface {
	List() []cache.Peer
}

// APIResponse is the envelope of every control API reply
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SetModeRequest is the body of PUT /mode. Mode is a built-in tag or a custom state name.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// SetConditionRequest is the body of PUT /conditions/{key}
type SetConditionRequest struct {
	Value *bool `json:"value"`
}

// RespondRequest is the body of POST /respond
type RespondRequest struct {
	Response models.Response `json:"response"`
	RingID   string          `json:"ring_id,omitempty"`
}

// RingRequest is the body of POST /ring
type RingRequest struct {
	User       string   `json:"user"`
	ChimeID    string   `json:"chime_id"`
	Notes      []string `json:"notes,omitempty"`
	Chords     []string `json:"chords,omitempty"`
	DurationMs uint64   `json:"duration_ms,omitempty"`
}

// ChimeHandler serves the control API of one chime
type ChimeHandler struct {
	chime  Controller
	peers  PeerLister
	logger *zap.Logger
}

// NewChimeHandler creates a handler. peers may be nil.
func NewChimeHandler(c Controller, peers PeerLister, logger *zap.Logger) *ChimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChimeHandler{chime: c, peers: peers, logger: logger.Named("api")}
}

// GetStatus handles GET /api/v1/status
func (h *ChimeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"chime":  h.chime.Info(),
		"status": h.chime.Status(),
	})
}

// SetMode handles PUT /api/v1/mode
func (h *ChimeHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "mode is required")
		return
	}
	if err := h.chime.SetMode(r.Context(), models.ParseMode(req.Mode)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, h.chime.Status())
}

// ListStates handles GET /api/v1/states
func (h *ChimeHandler) ListStates(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.chime.States())
}

// PutState handles PUT /api/v1/states/{name}. The path names the state.
func (h *ChimeHandler) PutState(w http.ResponseWriter, r *http.Request) {
	var state models.CustomState
	if !h.decode(w, r, &state) {
		return
	}
	name := mux.Vars(r)["name"]
	if state.Name != "" && state.Name != name {
		h.writeErrorResponse(w, http.StatusBadRequest, "state name does not match path")
		return
	}
	state.Name = name
	if err := h.chime.RegisterState(state); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("State registered", zap.String("state", name))
	h.writeJSONResponse(w, http.StatusOK, state)
}

// DeleteState handles DELETE /api/v1/states/{name}
func (h *ChimeHandler) DeleteState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.chime.RemoveState(r.Context(), name) {
		h.writeError(w, &presence.NotFoundError{Name: name})
		return
	}
	h.logger.Info("State removed", zap.String("state", name))
	h.writeJSONResponse(w, http.StatusOK, h.chime.Status())
}

// ListConditions handles GET /api/v1/conditions
func (h *ChimeHandler) ListConditions(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.chime.Conditions())
}

// SetCondition handles PUT /api/v1/conditions/{key}
func (h *ChimeHandler) SetCondition(w http.ResponseWriter, r *http.Request) {
	var req SetConditionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "value is required")
		return
	}
	h.chime.SetCondition(mux.Vars(r)["key"], *req.Value)
	h.writeJSONResponse(w, http.StatusOK, h.chime.Status())
}

// ListPending handles GET /api/v1/pending
func (h *ChimeHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.chime.Pending()
	sort.Strings(pending)
	h.writeJSONResponse(w, http.StatusOK, pending)
}

// Respond handles POST /api/v1/respond
func (h *ChimeHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.chime.Respond(r.Context(), req.Response, req.RingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, msg)
}

// Ring handles POST /api/v1/ring
func (h *ChimeHandler) Ring(w http.ResponseWriter, r *http.Request) {
	var req RingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.User == "" || req.ChimeID == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "user and chime_id are required")
		return
	}
	d := models.Millis(req.DurationMs)
	ringID, err := h.chime.RingOther(r.Context(), req.User, req.ChimeID, req.Notes, req.Chords, d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusAccepted, map[string]string{"ring_id": ringID})
}

// ListPeers handles GET /api/v1/peers
func (h *ChimeHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	if h.peers == nil {
		h.writeJSONResponse(w, http.StatusOK, []cache.Peer{})
		return
	}
	h.writeJSONResponse(w, http.StatusOK, h.peers.List())
}

func (h *ChimeHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeError maps domain errors to status codes
func (h *ChimeHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, presence.ErrStateNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chime.ErrInvalidRequest):
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chime.ErrShutdown):
		h.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *ChimeHandler) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, APIResponse{Success: true, Data: data})
}

func (h *ChimeHandler) writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
