package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/statebridge/internal/agent"
	"github.com/nugget/statebridge/internal/conversation"
)

// Operation names accepted on the dispatch endpoint.
const (
	opAvailableAgents         = "availableAgents"
	opAvailableTools          = "availableTools"
	opGenerateResponse        = "generateResponse"
	opGenerateCopilotResponse = "generateCopilotResponse"
)

// DecodeError reports a malformed wire request. It is always answered
// with 400 and never reaches the thread lock.
type DecodeError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "decode request: " + e.Err.Error()
	}
	return fmt.Sprintf("decode request: %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying failure.
func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(field, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Request is the generate-response call as it arrives on the wire. The
// flat form carries its fields at the top level; the GraphQL form used by
// the CopilotKit runtime nests them under variables.data.
type Request struct {
	Operation     string `json:"operation,omitempty"`
	OperationName string `json:"operationName,omitempty"`
	Query         string `json:"query,omitempty"`

	ThreadID           string            `json:"threadId,omitempty"`
	RunID              string            `json:"runId,omitempty"`
	Messages           []WireMessage     `json:"messages,omitempty"`
	Context            []WireContextItem `json:"context,omitempty"`
	Tools              []WireTool        `json:"tools,omitempty"`
	Language           string            `json:"language,omitempty"`
	ConfirmToolResults bool              `json:"confirmToolResults,omitempty"`

	Variables *graphQLVariables `json:"variables,omitempty"`
}

type graphQLVariables struct {
	Data *graphQLData `json:"data,omitempty"`
}

type graphQLData struct {
	ThreadID string            `json:"threadId,omitempty"`
	RunID    string            `json:"runId,omitempty"`
	Messages []WireMessage     `json:"messages,omitempty"`
	Context  []WireContextItem `json:"context,omitempty"`
	Frontend *struct {
		Actions []WireTool `json:"actions,omitempty"`
	} `json:"frontend,omitempty"`
}

// WireMessage is one history entry. Besides the flat role/content form it
// accepts the CopilotKit variants: textMessage, actionExecutionMessage
// (an assistant tool call) and resultMessage (a tool result).
type WireMessage struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolCalls  []WireToolCall `json:"toolCalls,omitempty"`

	TextMessage            *wireTextMessage     `json:"textMessage,omitempty"`
	ActionExecutionMessage *wireActionExecution `json:"actionExecutionMessage,omitempty"`
	ResultMessage          *wireResultMessage   `json:"resultMessage,omitempty"`
}

type wireTextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireActionExecution struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type wireResultMessage struct {
	ActionExecutionID string `json:"actionExecutionId"`
	ActionName        string `json:"actionName,omitempty"`
	Result            string `json:"result"`
}

// WireToolCall is a tool call carried on an assistant message. Arguments
// may be a JSON object or a string holding one.
type WireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// WireContextItem is one readable piece of front-end state.
type WireContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// WireTool is a front-end tool declaration. The schema may arrive as
// parameters, parameterSchema or jsonSchema, either as an object or as a
// string holding one.
type WireTool struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	ParameterSchema json.RawMessage `json:"parameterSchema,omitempty"`
	JSONSchema      json.RawMessage `json:"jsonSchema,omitempty"`
}

// decodeRequest parses a request body. Only syntax is checked here;
// turnRequest validates the contents.
func decodeRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("invalid JSON body: %w", err)}
	}
	if d := req.graphQL(); d != nil {
		req.ThreadID = firstNonEmpty(req.ThreadID, d.ThreadID)
		req.RunID = firstNonEmpty(req.RunID, d.RunID)
		if len(req.Messages) == 0 {
			req.Messages = d.Messages
		}
		if len(req.Context) == 0 {
			req.Context = d.Context
		}
		if len(req.Tools) == 0 && d.Frontend != nil {
			req.Tools = d.Frontend.Actions
		}
	}
	return &req, nil
}

func (req *Request) graphQL() *graphQLData {
	if req.Variables == nil {
		return nil
	}
	return req.Variables.Data
}

// isGraphQL reports whether the caller used the GraphQL envelope, in which
// case responses are wrapped in {"data": {<operation>: ...}}.
func (req *Request) isGraphQL() bool {
	return req.Operation == "" && (req.OperationName != "" || req.Query != "")
}

// operation resolves the requested operation: the explicit field first,
// then the GraphQL operation name, then a known name inside the query.
func (req *Request) operation() string {
	op := firstNonEmpty(req.Operation, req.OperationName)
	if op == "" {
		for _, known := range []string{opAvailableAgents, opAvailableTools, opGenerateCopilotResponse, opGenerateResponse} {
			if strings.Contains(req.Query, known) {
				op = known
				break
			}
		}
	}
	if op == opGenerateCopilotResponse {
		return opGenerateResponse
	}
	return op
}

// turnRequest validates the request and converts it to the runner's
// types. Every failure is a *DecodeError.
func (req *Request) turnRequest() (*agent.TurnRequest, error) {
	tr := &agent.TurnRequest{
		ThreadID:           req.ThreadID,
		RunID:              req.RunID,
		Language:           req.Language,
		ConfirmToolResults: req.ConfirmToolResults,
	}

	for i, wm := range req.Messages {
		m, err := wm.toMessage()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Field = fmt.Sprintf("messages[%d].%s", i, de.Field)
				return nil, de
			}
			return nil, err
		}
		tr.Messages = append(tr.Messages, m)
	}

	for _, c := range req.Context {
		tr.Context = append(tr.Context, conversation.ContextItem{
			Description: c.Description,
			Value:       c.Value,
		})
	}

	seen := make(map[string]struct{}, len(req.Tools))
	for i, wt := range req.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		name := strings.TrimSpace(wt.Name)
		if name == "" {
			return nil, decodeErr(field+".name", "required")
		}
		if _, dup := seen[name]; dup {
			return nil, decodeErr(field+".name", "%q declared twice", name)
		}
		seen[name] = struct{}{}

		params, err := wt.schema()
		if err != nil {
			return nil, &DecodeError{Field: field + ".parameters", Err: err}
		}
		tr.FrontendTools = append(tr.FrontendTools, conversation.ToolSpec{
			Name:        name,
			Description: wt.Description,
			Parameters:  params,
			Source:      conversation.SourceFrontend,
		})
	}
	return tr, nil
}

func (wm WireMessage) toMessage() (conversation.Message, error) {
	switch {
	case wm.TextMessage != nil:
		wm.Role = wm.TextMessage.Role
		wm.Content = wm.TextMessage.Content
	case wm.ActionExecutionMessage != nil:
		args, err := decodeArguments(wm.ActionExecutionMessage.Arguments)
		if err != nil {
			return conversation.Message{}, &DecodeError{Field: "actionExecutionMessage.arguments", Err: err}
		}
		if wm.ActionExecutionMessage.Name == "" {
			return conversation.Message{}, decodeErr("actionExecutionMessage.name", "required")
		}
		return conversation.Message{
			ID:   wm.ID,
			Role: conversation.RoleAssistant,
			ToolCalls: []conversation.ToolCall{{
				ID:        wm.ID,
				Name:      wm.ActionExecutionMessage.Name,
				Arguments: args,
			}},
		}, nil
	case wm.ResultMessage != nil:
		if wm.ResultMessage.ActionExecutionID == "" {
			return conversation.Message{}, decodeErr("resultMessage.actionExecutionId", "required")
		}
		return conversation.Message{
			ID:         wm.ID,
			Role:       conversation.RoleTool,
			Content:    wm.ResultMessage.Result,
			ToolCallID: wm.ResultMessage.ActionExecutionID,
		}, nil
	}

	role := conversation.Role(wm.Role)
	if !role.Valid() {
		return conversation.Message{}, decodeErr("role", "unknown role %q", wm.Role)
	}
	m := conversation.Message{
		ID:      wm.ID,
		Role:    role,
		Content: wm.Content,
	}

	if role == conversation.RoleTool {
		if wm.ToolCallID == "" {
			return conversation.Message{}, decodeErr("toolCallId", "required on tool messages")
		}
		m.ToolCallID = wm.ToolCallID
	}

	for i, wc := range wm.ToolCalls {
		if role != conversation.RoleAssistant {
			return conversation.Message{}, decodeErr("toolCalls", "only assistant messages carry tool calls")
		}
		if wc.Name == "" {
			return conversation.Message{}, decodeErr(fmt.Sprintf("toolCalls[%d].name", i), "required")
		}
		if wc.ID == "" {
			return conversation.Message{}, decodeErr(fmt.Sprintf("toolCalls[%d].id", i), "required")
		}
		args, err := decodeArguments(wc.Arguments)
		if err != nil {
			return conversation.Message{}, &DecodeError{Field: fmt.Sprintf("toolCalls[%d].arguments", i), Err: err}
		}
		m.ToolCalls = append(m.ToolCalls, conversation.ToolCall{ID: wc.ID, Name: wc.Name, Arguments: args})
	}
	return m, nil
}

// decodeArguments accepts an object, a string holding an object, or
// nothing.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func (wt WireTool) schema() (map[string]any, error) {
	for _, raw := range []json.RawMessage{wt.Parameters, wt.ParameterSchema, wt.JSONSchema} {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
	}
	return nil, nil
}

// decodeObject unmarshals raw as a JSON object, unwrapping one level of
// string encoding. Empty input and null yield nil.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("want a JSON object: %w", err)
	}
	return obj, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Status is the outcome code block of a response.
type Status struct {
	Code conversation.TurnStatus `json:"code"`
}

// OutMessage is a message as returned to the caller.
type OutMessage struct {
	ID         string        `json:"id"`
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []OutToolCall `json:"toolCalls,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	IsError    bool          `json:"isError,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// OutToolCall is a tool call as returned to the caller.
type OutToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TurnResponse is the unary generate-response result.
type TurnResponse struct {
	ThreadID        string       `json:"threadId"`
	RunID           string       `json:"runId"`
	Status          Status       `json:"status"`
	Messages        []OutMessage `json:"messages"`
	PendingToolCall *OutToolCall `json:"pendingToolCall,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// StreamEvent is one SSE data line or WebSocket frame.
type StreamEvent struct {
	Content         string       `json:"content,omitempty"`
	Done            bool         `json:"done,omitempty"`
	ThreadID        string       `json:"threadId,omitempty"`
	RunID           string       `json:"runId,omitempty"`
	Status          string       `json:"status,omitempty"`
	Messages        []OutMessage `json:"messages,omitempty"`
	PendingToolCall *OutToolCall `json:"pendingToolCall,omitempty"`
	Error           string       `json:"error,omitempty"`
}

func toTurnResponse(res *conversation.TurnResult) TurnResponse {
	out := TurnResponse{
		ThreadID: res.ThreadID,
		RunID:    res.RunID,
		Status:   Status{Code: res.Status},
		Messages: toOutMessages(res.Messages),
		Warnings: res.Warnings,
		Error:    res.Error,
	}
	if res.PendingToolCall != nil {
		tc := toOutToolCall(*res.PendingToolCall)
		out.PendingToolCall = &tc
	}
	return out
}

func toOutMessages(in []conversation.Message) []OutMessage {
	out := make([]OutMessage, 0, len(in))
	for _, m := range in {
		om := OutMessage{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
			CreatedAt:  m.CreatedAt,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, toOutToolCall(tc))
		}
		out = append(out, om)
	}
	return out
}

func toOutToolCall(tc conversation.ToolCall) OutToolCall {
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return OutToolCall{ID: tc.ID, Name: tc.Name, Arguments: args}
}

// doneEvent is the terminal stream event for a finished turn.
func doneEvent(res *conversation.TurnResult) StreamEvent {
	ev := StreamEvent{
		Done:     true,
		ThreadID: res.ThreadID,
		RunID:    res.RunID,
		Status:   string(res.Status),
		Messages: toOutMessages(res.Messages),
	}
	if res.PendingToolCall != nil {
		tc := toOutToolCall(*res.PendingToolCall)
		ev.PendingToolCall = &tc
	}
	return ev
}
