package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/burrownet/burrow/internal/domain"
)

const (
	maxCreateBodyBytes  = 64 * 1024
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler mounts the adapter's JSON HTTP surface.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bindings", a.handleCreate)
	mux.HandleFunc("GET /v1/bindings", a.handleList)
	mux.HandleFunc("DELETE /v1/bindings/{id}", a.handleDelete)
	mux.HandleFunc("GET /v1/bindings/{id}/status", a.handleStatus)
	mux.HandleFunc("GET /v1/bindings/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	return mux
}

func (a *Adapter) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "invalid_json")
		return
	}
	desc, err := a.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.log.Info("binding created via control api", "binding_id", desc.ID, "subdomain", desc.Subdomain)
	writeJSON(w, http.StatusCreated, desc)
}

func (a *Adapter) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.List())
}

func (a *Adapter) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Delete(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := a.Status(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	events, err := a.RecentEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable", "internal")
		return
	}
	if events == nil {
		events = []domain.BindingEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *Adapter) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	closed, err := a.ListClosed(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable", "internal")
		return
	}
	if closed == nil {
		closed = []domain.BindingDescriptor{}
	}
	writeJSON(w, http.StatusOK, closed)
}

// queryLimit parses the optional ?limit= parameter, writing the error
// response itself when the value is out of range.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxHistoryLimit {
		writeError(w, http.StatusBadRequest, "limit must be in 1-500", "invalid_limit")
		return 0, false
	}
	return n, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateSubdomain):
		writeError(w, http.StatusConflict, err.Error(), "duplicate_subdomain")
	case errors.Is(err, domain.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_target")
	case errors.Is(err, domain.ErrResourceExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "resource_exhausted")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
