package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through context.
const (
	FieldRequestID   = "request_id"
	FieldJobID       = "job_id"
	FieldTaskID      = "task_id"
	FieldWorkspaceID = "workspace_id"
	FieldProvider    = "provider"
	FieldComponent   = "component"
)

// Metric fields, attached per entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldCredits    = "credits"
	FieldSize       = "size"
)
