package registry

import "errors"

// Error codes surfaced inside a failed ExecutionResult. These never escape
// as Go errors past the registry boundary.
const (
	CodeToolNotFound       = "TOOL_NOT_FOUND"
	CodeInsufficientCredit = "INSUFFICIENT_CREDITS"
	CodeCreditSystemError  = "CREDIT_SYSTEM_ERROR"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeExecutionError     = "TOOL_EXECUTION_ERROR"
	CodeInvalidParams      = "INVALID_PARAMS"
)

// ErrToolAlreadyRegistered is returned by Register when the tool name is
// already taken. The original registration remains intact.
var ErrToolAlreadyRegistered = errors.New("tool already registered")

// ToolError is a structured application error. Handlers raise *ToolError
// for domain failures; the pipeline preserves code and details verbatim
// instead of generalizing to TOOL_EXECUTION_ERROR.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// NewToolError builds a ToolError without details.
func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}
