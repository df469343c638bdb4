// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool configuration and execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks errors caused by an invalid tool setup, such as
// two tools sharing a name. The turn is rejected before any model call.
var ErrConfiguration = errors.New("tool configuration error")

// ErrFrontendTool is returned when asked to execute a tool that only the
// front-end can run.
var ErrFrontendTool = errors.New("tool is executed by the front-end")

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the catalog. This indicates a capability mismatch,
// not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// DuplicateToolNameError reports a name collision between two tools,
// either two backend registrations or a backend and a front-end tool.
type DuplicateToolNameError struct {
	ToolName string
	Sources  [2]string
}

// Error implements the error interface.
func (e *DuplicateToolNameError) Error() string {
	return fmt.Sprintf("duplicate tool name %q (%s and %s)", e.ToolName, e.Sources[0], e.Sources[1])
}

// Is makes DuplicateToolNameError match ErrConfiguration.
func (e *DuplicateToolNameError) Is(target error) bool {
	return target == ErrConfiguration
}

// ExecutionError wraps a failure raised while running a backend tool. The
// turn continues; the failure is reported to the model as an error-flagged
// tool message.
type ExecutionError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ExecutionError) Unwrap() error { return e.Err }
