package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/statebridge/internal/agent"
)

// streamWriteTimeout bounds each write on a stream; the deadline is reset
// after every event.
const streamWriteTimeout = 120 * time.Second

// prepareTurn decodes and validates a streaming request and checks the
// merged tool catalog and history links, so every caller mistake is
// reported before the first event is written.
func (s *Server) prepareTurn(ctx context.Context, req *Request) (*agent.TurnRequest, error) {
	if op := req.operation(); op != "" && op != opGenerateResponse {
		return nil, decodeErr("operation", "%q cannot be streamed", op)
	}
	tr, err := req.turnRequest()
	if err != nil {
		return nil, err
	}
	if err := s.runner.Check(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// handleStream runs one turn and streams it as server-sent events: one
// {"content"} event per fragment, then a {"done"} event, or an {"error"}
// event on failure. A client disconnect cancels the turn.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.readRequest(w, r)
	if err != nil {
		if !s.clientError(w, err) {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}
	tr, err := s.prepareTurn(r.Context(), req)
	if err != nil {
		if !s.clientError(w, err) {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	send := func(ev StreamEvent) {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		s.writeSSE(w, ev)
		flusher.Flush()
	}

	res, err := s.runner.Run(r.Context(), tr, func(fragment string) {
		send(StreamEvent{Content: fragment})
	})
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("stream client disconnected", "thread_id", res.ThreadID, "run_id", res.RunID)
			return
		}
		s.logger.Error("turn failed", "thread_id", res.ThreadID, "run_id", res.RunID, "error", err)
		send(StreamEvent{Error: err.Error(), ThreadID: res.ThreadID, RunID: res.RunID})
		return
	}
	send(doneEvent(res))
}

func (s *Server) writeSSE(w http.ResponseWriter, ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// handleWebSocket is the WebSocket form of handleStream. The first client
// frame is the request; the server answers with the same event objects
// as JSON frames and closes. Closing the socket cancels the turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	send := func(ev StreamEvent) error {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket read failed", "error", err)
		return
	}
	req, err := decodeRequest(bytes.NewReader(data))
	var tr *agent.TurnRequest
	if err == nil {
		tr, err = s.prepareTurn(r.Context(), req)
	}
	if err != nil {
		_ = send(StreamEvent{Error: err.Error()})
		s.closeWebSocket(conn, websocket.CloseInvalidFramePayloadData, "invalid request")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is the only way to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	res, err := s.runner.Run(ctx, tr, func(fragment string) {
		if err := send(StreamEvent{Content: fragment}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			cancel()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("websocket client disconnected", "thread_id", res.ThreadID, "run_id", res.RunID)
			return
		}
		s.logger.Error("turn failed", "thread_id", res.ThreadID, "run_id", res.RunID, "error", err)
		_ = send(StreamEvent{Error: err.Error(), ThreadID: res.ThreadID, RunID: res.RunID})
		s.closeWebSocket(conn, websocket.CloseNormalClosure, "turn failed")
		return
	}
	if err := send(doneEvent(res)); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return
	}
	s.closeWebSocket(conn, websocket.CloseNormalClosure, "done")
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug("websocket close failed", "error", err)
	}
}
