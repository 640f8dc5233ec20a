package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// CommandResult is the body of a command response.
type CommandResult struct {
	Domain  string `json:"domain"`
	Address string `json:"address"`
	Command string `json:"command"`
	mig.Response
}

// SetOptionRequest is the body of PUT .../options/{name}.
type SetOptionRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handleListInterfaces(w http.ResponseWriter, _ *http.Request) {
	infos := s.gateway.Interfaces()
	writeJSON(w, http.StatusOK, map[string]any{
		"interfaces": infos,
		"count":      len(infos),
	})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	modules, err := s.gateway.Modules(domain)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if modules == nil {
		modules = []mig.Module{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  domain,
		"modules": modules,
		"count":   len(modules),
	})
}

// handleCommand runs a command. The body uses the same schema as MQTT
// command payloads.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	address := chi.URLParam(r, "address")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body failed")
		return
	}
	msg, err := s.validator.DecodeCommand(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	source := history.SourceAPI
	if msg.Source != "" {
		source = msg.Source
	}
	cmd := mig.Command{Address: address, Command: msg.Command, Options: msg.Options}
	resp, err := s.gateway.Execute(r.Context(), domain, cmd, source)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("command via API",
		"domain", domain,
		"address", address,
		"command", msg.Command,
		"status", resp.Status,
		"subject", subjectFromContext(r.Context()),
	)
	writeJSON(w, commandStatus(resp), CommandResult{
		Domain:   domain,
		Address:  address,
		Command:  msg.Command,
		Response: resp,
	})
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	name := chi.URLParam(r, "name")

	var req SetOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeBadRequest(w, "request body too large")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}

	if err := s.gateway.SetOption(r.Context(), domain, name, *req.Value); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain": domain,
		"name":   name,
		"value":  *req.Value,
	})
}
