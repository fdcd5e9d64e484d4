package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVariableConflict  = "VARIABLE_CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeExternal          = "EXTERNAL_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
)

// nonRetryableCodes are configuration-class failures. Re-running the same
// trigger cannot succeed until someone edits the workflow.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeNotFound:          true,
	ErrCodeCycleDetected:     true,
	ErrCodeUnknownNodeType:   true,
	ErrCodeConfig:            true,
	ErrCodeInterpolation:     true,
	ErrCodeVariableConflict:  true,
	ErrCodeInvalidTransition: true,
}

// NodeflowError is the structured error type for all engine operations.
type NodeflowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	NodeType NodeType       `json:"node_type,omitempty"`
	Cause    error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		if e.NodeType != "" {
			return fmt.Sprintf("[%s] node %s (%s): %s", e.Code, e.NodeID, e.NodeType, e.Message)
		}
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the hosting substrate may re-invoke the run
// after this error.
func (e *NodeflowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new NodeflowError.
func NewError(code, message string) *NodeflowError {
	return &NodeflowError{Code: code, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *NodeflowError {
	return &NodeflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the failing node's id and type.
func (e *NodeflowError) WithNode(nodeID string, nodeType NodeType) *NodeflowError {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}
