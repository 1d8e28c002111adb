package domain

import "errors"

// Common domain errors
var (
	ErrUnsupportedActivation = errors.New("unsupported activation layer")
	ErrInvalidRule           = errors.New("invalid propagation rule")
	ErrInvalidTarget         = errors.New("invalid attribution target")
	ErrLayerNotFound         = errors.New("layer not found in model")
	ErrModelNotLoaded        = errors.New("model not loaded")
	ErrManifestInvalid       = errors.New("invalid model manifest")
	ErrConfigInvalid         = errors.New("invalid configuration")
)

// ErrorResponse defines the standard JSON error model returned by the
// attribution API. It avoids exposing internals while providing a stable
// machine-readable code. TraceID should carry the current OpenTelemetry
// trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., BAD_REQUEST, ATTRIBUTION_FAILED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
