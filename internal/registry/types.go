package registry

import (
	"context"
	"encoding/json"
	"time"
)

// Category classifies what kind of capability a tool exposes.
type Category string

const (
	CategoryDataAccess    Category = "data_access"
	CategoryDataMutation  Category = "data_mutation"
	CategoryCommunication Category = "communication"
	CategoryAnalytics     Category = "analytics"
	CategoryAutomation    Category = "automation"
	CategoryExternal      Category = "external"
)

// PermissionLevel gates what a tool may do. Levels are ordered:
// read < write < admin.
type PermissionLevel string

const (
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

var permissionRank = map[PermissionLevel]int{
	PermissionRead:  0,
	PermissionWrite: 1,
	PermissionAdmin: 2,
}

// Allows reports whether a caller holding level p may invoke a tool
// requiring level required.
func (p PermissionLevel) Allows(required PermissionLevel) bool {
	return permissionRank[p] >= permissionRank[required]
}

// RateLimit is a fixed-window call budget per user.
type RateLimit struct {
	MaxCalls int           `json:"max_calls"`
	Window   time.Duration `json:"window_ms"`
}

// ParameterProperty describes a single property in a tool's parameter schema.
// The shape is a JSON Schema subset compatible with LLM function calling.
type ParameterProperty struct {
	Type        string                       `json:"type"`
	Description string                       `json:"description,omitempty"`
	Enum        []string                     `json:"enum,omitempty"`
	Items       *ParameterProperty           `json:"items,omitempty"`
	Properties  map[string]ParameterProperty `json:"properties,omitempty"`
	Required    []string                     `json:"required,omitempty"`
}

// ParameterSchema is the declared shape of a tool's params object.
type ParameterSchema struct {
	Type                 string                       `json:"type"`
	Properties           map[string]ParameterProperty `json:"properties"`
	Required             []string                     `json:"required,omitempty"`
	AdditionalProperties *bool                        `json:"additionalProperties,omitempty"`
}

// ToolDefinition is the immutable metadata describing one callable capability.
type ToolDefinition struct {
	Name               string
	Category           Category
	Version            string
	Description        string
	Parameters         ParameterSchema
	PermissionLevel    PermissionLevel
	CreditCost         int
	RateLimit          *RateLimit
	IsIdempotent       bool
	Cacheable          bool
	CacheTTLSeconds    int
	Deprecated         bool
	DeprecationMessage string
	Tags               []string
}

// Handler is the executable implementation behind a tool definition.
// Params arrive as raw JSON; handlers perform their own schema validation
// and raise *ToolError for domain failures.
type Handler func(ctx context.Context, params json.RawMessage, ec ExecutionContext) (any, error)

// registeredTool pairs one definition with one handler. Owned by the
// Registry for the process lifetime; handlers are never exposed to callers.
type registeredTool struct {
	def     ToolDefinition
	handler Handler
}

// ExecutionContext carries per-call identity and correlation. Supplied
// fresh by the caller on every invocation; the registry never caches or
// mutates it.
type ExecutionContext struct {
	UserID    string
	ThreadID  string
	MessageID string
	Timestamp time.Time
	RequestID string
}

// ResultMetadata accompanies every execution result.
type ResultMetadata struct {
	LatencyMs  float64 `json:"latency_ms"`
	Cached     bool    `json:"cached"`
	RetryCount int     `json:"retry_count"`
}

// ExecutionResult is the sole shape returned from Execute. Handlers never
// throw past the registry boundary; every outcome is normalized into this
// envelope.
type ExecutionResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *ToolError     `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
}

// ListFilter narrows ListTools and LLMFunctions output. Zero values match
// everything.
type ListFilter struct {
	Category        Category
	PermissionLevel PermissionLevel
	Tags            []string
}

// LLMFunction is the prompt-time projection of a tool definition. Cost,
// permissions, and rate limits are dispatch-time concerns and are dropped.
type LLMFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}
