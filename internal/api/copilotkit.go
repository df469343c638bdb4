package api

import (
	"net/http"

	"github.com/nugget/statebridge/internal/buildinfo"
	"github.com/nugget/statebridge/internal/conversation"
)

// agentInfo is the single agent this bridge exposes.
type agentInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Description string `json:"description"`
}

func (s *Server) agents() []agentInfo {
	return []agentInfo{{
		Name:        "default",
		ID:          "default",
		Description: buildinfo.Name + " agent backed by " + s.runner.Executor().Model(),
	}}
}

// handleCopilotKit dispatches a unary request by operation name. Unknown
// operations answer an empty object so newer clients keep working.
func (s *Server) handleCopilotKit(w http.ResponseWriter, r *http.Request) {
	req, err := s.readRequest(w, r)
	if err != nil {
		if !s.clientError(w, err) {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	op := req.operation()
	var result any
	switch op {
	case opAvailableAgents:
		result = map[string]any{"agents": s.agents()}
	case opAvailableTools:
		result = s.toolCatalog()
	case opGenerateResponse:
		resp, ok := s.generate(w, r, req)
		if !ok {
			return
		}
		result = resp
	default:
		s.logger.Debug("unknown copilotkit operation", "operation", op)
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{}, s.logger)
		return
	}

	if req.isGraphQL() {
		name := op
		if name == opGenerateResponse {
			name = opGenerateCopilotResponse
		}
		result = map[string]any{"data": map[string]any{name: result}}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// generate runs one turn. Caller mistakes are answered with 400 here and
// ok is false; a turn that fails for any other reason is still a 200
// response with status FAILED.
func (s *Server) generate(w http.ResponseWriter, r *http.Request, req *Request) (TurnResponse, bool) {
	tr, err := req.turnRequest()
	if err != nil {
		if !s.clientError(w, err) {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return TurnResponse{}, false
	}

	res, err := s.runner.Run(r.Context(), tr, nil)
	if err != nil {
		if s.clientError(w, err) {
			return TurnResponse{}, false
		}
		s.logger.Error("turn failed",
			"thread_id", res.ThreadID,
			"run_id", res.RunID,
			"error", err,
		)
	}
	return toTurnResponse(res), true
}

func (s *Server) toolCatalog() map[string]any {
	specs := s.runner.Executor().BackendTools()
	if specs == nil {
		specs = []conversation.ToolSpec{}
	}
	return map[string]any{
		"count": len(specs),
		"tools": specs,
	}
}

func (s *Server) handleAvailableTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.toolCatalog(), s.logger)
}
