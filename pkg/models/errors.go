package models

// ErrorKind is the UI-visible error classification carried on task records
// and HTTP error responses.
type ErrorKind string

// Error kinds. The HTTP layer maps these to status codes; the executor maps
// internal failures onto them before they reach the store.
const (
	ErrKindValidation       ErrorKind = "VALIDATION"
	ErrKindTaskRunning      ErrorKind = "TASK_RUNNING"
	ErrKindTimeout          ErrorKind = "TIMEOUT"
	ErrKindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	ErrKindRateLimit        ErrorKind = "RATE_LIMIT"
	ErrKindNotFound         ErrorKind = "NOT_FOUND"
	ErrKindExecution        ErrorKind = "EXECUTION_ERROR"
	ErrKindAborted          ErrorKind = "ABORTED"
	ErrKindModel            ErrorKind = "MODEL_ERROR"
	ErrKindInternal         ErrorKind = "INTERNAL"
)
