package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mig/internal/history"
)

func (s *Server) handleModuleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "property history is not enabled")
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	q := history.PropertyQuery{
		Domain:   chi.URLParam(r, "domain"),
		Address:  chi.URLParam(r, "address"),
		Property: r.URL.Query().Get("property"),
		Limit:    limit,
	}

	events, err := s.history.History(r.Context(), q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []history.PropertyEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  q.Domain,
		"address": q.Address,
		"events":  events,
		"count":   len(events),
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "command log is not enabled")
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	list, err := s.commands.List(r.Context(), history.CommandFilter{
		Domain:  r.URL.Query().Get("domain"),
		Address: r.URL.Query().Get("address"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// queryInt parses an optional non-negative integer query parameter,
// writing a 400 and returning false when it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
