package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/engine"
	"github.com/ronappleton/dagengine/internal/graph"
	"github.com/ronappleton/dagengine/internal/store"
	"go.uber.org/zap"
)

const maxBody = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "degraded",
			"persistence": "unreachable",
			"error":       err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "persistence": "reachable"})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": graph.BuiltinTemplates})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	doc, err := graph.ParseDocument(body, graph.FormatFor(r.Header.Get("Content-Type")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	def, err := doc.Definition()
	if err != nil {
		s.writeError(w, err)
		return
	}
	saved, err := s.store.SaveWorkflow(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("workflow registered",
		zap.String("workflow_id", saved.ID),
		zap.String("name", saved.Name),
		zap.Int("version", saved.Version),
	)
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Context map[string]any `json:"context"`
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}
	exec, err := s.engine.Start(r.Context(), r.PathValue("id"), body.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": exec.ID, "status": exec.Status})
}

type snapshot struct {
	Execution *store.Execution  `json:"execution"`
	Progress  progress          `json:"progress"`
	Nodes     []store.NodeState `json:"nodes"`
	Attached  bool              `json:"attached"`
}

type progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, states, err := s.store.LoadExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot{
		Execution: exec,
		Progress:  progress{Completed: exec.CompletedNodes, Total: exec.TotalNodes},
		Nodes:     states,
		Attached:  s.engine.Attached(exec.ID),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "cancel_requested": true})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}
	id, node := r.PathValue("id"), r.PathValue("node")
	if err := s.engine.Approve(r.Context(), id, node, body.Note); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "node_id": node, "approved": true})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, _, err := s.store.LoadExecution(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func statusFor(err error) int {
	var schemaErr *graph.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrGraph):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrExecutionNotActive), errors.Is(err, engine.ErrNodeNotBlocked):
		return http.StatusConflict
	case errors.Is(err, store.ErrPersistence), errors.Is(err, engine.ErrHalted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBody))
}
