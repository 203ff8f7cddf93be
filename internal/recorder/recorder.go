package recorder

import "time"

// Recorder persists tool invocation records for audit. Record() must NEVER
// block the caller and never reports failure — recording is a best-effort
// side channel and must not affect the execution result.
type Recorder interface {
	Record(rec *InvocationRecord)
	Close()
}

// InvocationRecord is the audit entry for one completed tool call.
type InvocationRecord struct {
	ID           string
	UserID       string
	ThreadID     string
	MessageID    string
	RequestID    string
	ToolName     string
	ToolVersion  string
	ArgsJSON     string
	ResultJSON   string
	Success      bool
	ErrorCode    string
	ErrorMessage string
	LatencyMs    float64
	Cached       bool
	CreatedAt    time.Time
}
