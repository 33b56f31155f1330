package tools

import (
	"encoding/json"
	"fmt"
)

// ErrorKind categorizes a failed tool execution.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"   // bad or missing arguments
	KindUpstream     ErrorKind = "upstream"     // the data layer or retrieval failed
	KindTimeout      ErrorKind = "timeout"      // the per-call or turn deadline passed
	KindCanceled     ErrorKind = "canceled"     // the caller went away mid-call
	KindUnavailable  ErrorKind = "unavailable"  // the tool is not registered
	KindUnauthorized ErrorKind = "unauthorized" // no caller identity
)

// ExecError is a categorized tool failure. Message is safe to show the
// model; Err keeps the underlying cause for logs.
type ExecError struct {
	Kind    ErrorKind
	Tool    Name
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s %s error: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s %s error: %s", e.Tool, e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Output renders the error as the JSON tool output sent back to the
// model.
func (e *ExecError) Output() string {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"kind":    string(e.Kind),
			"message": e.Message,
		},
	})
	return string(b)
}
