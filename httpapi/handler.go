package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/engine"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/metrics"
	"github.com/audiolux/lumen/producer"
	"github.com/audiolux/lumen/session"
)

// Handler exposes engine endpoints using go-chi.
type Handler struct {
	eng     *engine.Engine
	log     logging.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler for the given engine. Metrics may be nil to
// disable the /metrics endpoint and request counting.
func NewHandler(eng *engine.Engine, log logging.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logging.NewNoOpLogger()
	}
	return &Handler{eng: eng, log: log, metrics: m}
}

// Routes builds the router with logging and metrics middleware applied.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.log))
	r.Use(metrics.RequestMiddleware(h.metrics))

	r.Get("/status", h.GetStatus)
	r.Post("/producers/{producer_id}/active", h.SetProducerActive)
	r.Get("/sessions/{session_id}", h.GetSession)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(h.refreshGauges))
	}
	return r
}

// GetStatus handles GET /status with the engine's standing state.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Standing())
}

// SetProducerActive handles POST /producers/{producer_id}/active.
// Body: { "active": false }.
func (h *Handler) SetProducerActive(w http.ResponseWriter, r *http.Request) {
	id := core.ProducerID(chi.URLParam(r, "producer_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("Invalid producer active body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.eng.Registry().SetActive(id, body.Active); err != nil {
		if errors.Is(err, producer.ErrUnknownProducer) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("Set producer active failed", "producer", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("Producer active flag set", "producer", id, "active", body.Active)
	w.WriteHeader(http.StatusOK)
}

// sessionView is the GET /sessions/{session_id} response body.
type sessionView struct {
	Session core.SessionID        `json:"session"`
	Version uint64                `json:"version"`
	State   *session.PatternState `json:"state"`
}

// GetSession handles GET /sessions/{session_id} with the joined session's
// current version and pattern state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mgr := h.eng.Sessions()
	if mgr == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	replica, ok := mgr.Replica(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	state, version := replica.Snapshot()
	writeJSON(w, http.StatusOK, sessionView{Session: id, Version: version, State: state})
}

// refreshGauges updates gauge values just before a scrape.
func (h *Handler) refreshGauges() {
	standing := h.eng.Standing()
	h.metrics.SetActiveProducers(len(standing.Producers))
	h.metrics.SetUnroutedProducers(len(standing.Assignment.Unrouted))
	h.metrics.SetDevicesDown(len(standing.DownDevices))
	h.metrics.SetActiveSessions(len(standing.Sessions))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
