package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/richinex/conductor/agent"
	"github.com/richinex/conductor/model"
	"github.com/richinex/conductor/orchestration"
	"github.com/richinex/conductor/servers"
	"github.com/richinex/conductor/tools"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": len(s.orch.ListActiveRuns()),
	})
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("kind") {
	case "preset":
		writeJSON(w, http.StatusOK, s.orch.ListPresets())
	case "custom":
		writeJSON(w, http.StatusOK, s.orch.ListCustomAgents())
	default:
		writeJSON(w, http.StatusOK, s.orch.ListAgents())
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	def := agent.NewDefinition()
	if !decodeBody(w, r, &def) {
		return
	}
	created, err := s.orch.CreateAgent(def)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	def, ok := s.orch.GetAgent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch agent.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	updated, err := s.orch.UpdateAgent(r.PathValue("id"), patch)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteAgent(r.PathValue("id")); err != nil {
		writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrPresetImmutable):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agent.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- runs ---

type runBody struct {
	orchestration.RunRequest
	Stream bool `json:"stream"`
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if !decodeBody(w, r, &body) {
		return
	}
	id := r.PathValue("id")

	if body.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		streamEvents(w, s.orch.RunAgent(r.Context(), id, body.RunRequest), s.logger)
		return
	}

	run, err := s.orch.Run(r.Context(), id, body.RunRequest)
	if err != nil {
		var pe *orchestration.PreconditionError
		if errors.As(err, &pe) {
			writeError(w, preconditionStatus(pe.Code), pe.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func preconditionStatus(code string) int {
	switch code {
	case orchestration.CodeAgentNotFound, orchestration.CodeServerNotFound:
		return http.StatusNotFound
	case orchestration.CodeCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ListActiveRuns())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.orch.GetRunStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, orchestration.ErrRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CancelRun(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve bool `json:"approve"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.orch.Confirm(r.PathValue("id"), body.Approve)
	switch {
	case errors.Is(err, orchestration.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestration.ErrNotWaiting):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- tools ---

// handleListTools lists enabled tools; ?all=1 includes disabled ones.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	registry := s.orch.Tools()
	list := registry.Enabled()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = registry.All()
	}
	infos := make([]tools.Info, len(list))
	for i, t := range list {
		infos[i] = t.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	name := r.PathValue("name")
	registry := s.orch.Tools()
	if !registry.SetEnabled(name, *body.Enabled) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Tool %q not found", name))
		return
	}
	tool, _ := registry.Get(name)
	writeJSON(w, http.StatusOK, tool.Info())
}

// --- servers ---

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.servers.List())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		URL    string `json:"url"`
		APIKey string `json:"apiKey"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	server, err := s.servers.Add(model.Server{ID: body.ID, Name: body.Name, URL: body.URL, APIKey: body.APIKey})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, server)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if !s.servers.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, servers.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.servers.Refresh(r.Context(), r.PathValue("id"))
	if errors.Is(err, servers.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleListMCP(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeJSON(w, http.StatusOK, map[string][]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.mcp.Servers())
}

// --- encoding ---

// marshalEvent encodes one event. Payloads that cannot be encoded are
// replaced by an error payload so the frame is still valid JSON.
func marshalEvent(ev orchestration.Event) []byte {
	data, err := json.Marshal(ev)
	if err == nil {
		return data
	}
	data, _ = json.Marshal(orchestration.Event{
		Type:      orchestration.EventError,
		Data:      orchestration.ErrorPayload{Error: "unencodable event: " + err.Error()},
		Timestamp: ev.Timestamp,
	})
	return data
}
