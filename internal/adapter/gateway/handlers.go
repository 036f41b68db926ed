package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"agentgate/internal/domain"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/middleware"
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// createAgentRequest is the body of POST /api/agents. The ID is assigned
// by the server.
type createAgentRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Instructions string          `json:"instructions"`
	Model        string          `json:"model,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Handoffs     []string        `json:"handoffs,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

type agentList struct {
	Agents []domain.AgentDescriptor `json:"agents"`
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.deps.Agents.List()
	if agents == nil {
		agents = []domain.AgentDescriptor{}
	}
	middleware.WriteJSON(w, http.StatusOK, agentList{Agents: agents})
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Agents.Get(chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, d)
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	d := domain.AgentDescriptor{
		ID:           newAgentID(),
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Instructions: req.Instructions,
		Model:        req.Model,
		Tools:        req.Tools,
		Handoffs:     req.Handoffs,
		OutputSchema: req.OutputSchema,
		CreatedAt:    h.deps.Now().UTC(),
	}
	if d.Model == "" {
		d.Model = "default"
	}
	if d.Tools == nil {
		d.Tools = []string{}
	}

	if err := h.deps.Agents.RegisterContext(r.Context(), d); err != nil {
		middleware.WriteError(w, err)
		return
	}

	logger.FromContext(r.Context(), h.logger).Info("custom agent created", "agent_id", d.ID)
	w.Header().Set("Location", "/api/agents/"+d.ID)
	middleware.WriteJSON(w, http.StatusCreated, d)
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if _, err := h.deps.Agents.Get(agentID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	var in domain.ChatInput
	if err := decodeJSON(r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}

	if in.Stream {
		events, err := h.deps.Chat.ChatStream(r.Context(), agentID, in)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		writeSSE(w, events, logger.FromContext(r.Context(), h.logger))
		return
	}

	res, err := h.deps.Chat.Chat(r.Context(), agentID, in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) quickChat(w http.ResponseWriter, r *http.Request) {
	var in domain.ChatInput
	if err := decodeJSON(r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := h.deps.Chat.QuickChat(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) ritual(w http.ResponseWriter, r *http.Request) {
	var in domain.ChatInput
	if err := decodeJSON(r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := h.deps.Ritual.Run(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func newAgentID() string {
	return "agent_" + strings.ToLower(ulid.Make().String())
}
