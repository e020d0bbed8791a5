package http

import (
	"net/http"
	"strconv"

	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/messagequeue"
	"github.com/convoke-ai/convoke/internal/port/trajectory"
	"github.com/convoke-ai/convoke/internal/port/turnstore"
	"github.com/convoke-ai/convoke/internal/resilience"
	"github.com/convoke-ai/convoke/internal/service"
)

// defaultHistoryLimit caps conversation listings when no limit is given.
const defaultHistoryLimit = 100

// Handlers bundles the services exposed over the API.
type Handlers struct {
	Turns      *service.TurnService
	Commands   *service.CommandService
	Experts    *service.ExpertsService
	Models     *service.ModelRegistry
	TurnStore  turnstore.Store
	Trajectory trajectory.Store
	Queue      messagequeue.Queue
	Breaker    *resilience.Breaker
}

type sendTurnRequest struct {
	MetaID string `json:"meta_id"`
	Mode   string `json:"mode"`
	Model  string `json:"model"`
	Input  string `json:"input"`
}

// SendTurn creates a turn and drives it through the pipeline. The response
// carries the settled turn; async command batches may still be running.
func (h *Handlers) SendTurn(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sendTurnRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.MetaID, "meta_id") || !requireField(w, req.Input, "input") {
		return
	}

	m := mode.Mode(req.Mode)
	if req.Mode == "" {
		m = mode.ModeChat
	}
	if !mode.Valid(m) {
		writeError(w, http.StatusBadRequest, "unknown mode "+req.Mode)
		return
	}

	t := turn.New(req.MetaID, m)
	t.Model = req.Model
	t.Input = req.Input

	if err := h.Turns.Send(r.Context(), t); err != nil {
		writeDomainError(w, err, "turn failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTurn returns a persisted turn by ID.
func (h *Handlers) GetTurn(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	t, err := h.TurnStore.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "turn not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// StopTurn requests cooperative cancellation of an in-flight turn.
func (h *Handlers) StopTurn(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	t, err := h.TurnStore.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "turn not found")
		return
	}

	h.Turns.Stop(r.Context(), t)
	writeJSON(w, http.StatusOK, t)
}

// ListTurns returns the turns of a conversation, oldest first.
func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	metaID := urlParam(r, "metaID")
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	turns, err := h.TurnStore.ListByMeta(r.Context(), metaID, limit)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	if turns == nil {
		turns = []turn.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// GetTrajectory returns the trajectory records of a turn, oldest first.
func (h *Handlers) GetTrajectory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	records, err := h.Trajectory.ListByTurn(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "trajectory not found")
		return
	}
	if records == nil {
		records = []trajectory.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ListExperts returns the enabled expert presets.
func (h *Handlers) ListExperts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Experts.List())
}

// ListModels returns the registered models.
func (h *Handlers) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Models.List())
}

// ListCommands returns the command descriptors plugins currently offer.
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	t := turn.New("commands-probe", mode.ModeChat)
	t.Internal = true
	writeJSON(w, http.StatusOK, h.Commands.Collect(r.Context(), t, ""))
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: queue connectivity and breaker state.
func (h *Handlers) HealthReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	resp := map[string]any{"status": "ok"}

	if h.Queue != nil {
		connected := h.Queue.IsConnected()
		resp["queue_connected"] = connected
		if !connected {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
		}
	}
	if h.Breaker != nil {
		state := h.Breaker.State()
		resp["breaker"] = map[string]string{h.Breaker.Name(): state}
		if state == "open" {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, status, resp)
}
