package protocol

import "fmt"

// ErrorKind classifies a failure by where it belongs in the taxonomy,
// not by its Go source type.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindAuth       ErrorKind = "auth"
	KindResolution ErrorKind = "resolution"
	KindDelivery   ErrorKind = "delivery"
	KindRunner     ErrorKind = "runner"
	KindNodeRPC    ErrorKind = "node-rpc"
	KindLifecycle  ErrorKind = "lifecycle"
	KindFatal      ErrorKind = "fatal"
)

// Stable error codes surfaced on the wire and in CLI output.
const (
	CodeNodeBackgroundUnavailable  = "NODE_BACKGROUND_UNAVAILABLE"
	CodeCameraPermissionRequired   = "CAMERA_PERMISSION_REQUIRED"
	CodeScreenPermissionRequired   = "SCREEN_PERMISSION_REQUIRED"
	CodeLocationPermissionRequired = "LOCATION_PERMISSION_REQUIRED"
	CodeSystemRunDenied            = "SYSTEM_RUN_DENIED"
	CodeNodeTimeout                = "NODE_TIMEOUT"
	CodeNodeUnavailable            = "NODE_UNAVAILABLE"
	CodePayloadTooLarge            = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized               = "UNAUTHORIZED"
	CodeTargetAmbiguous            = "TARGET_AMBIGUOUS"
	CodeTargetUnknown              = "TARGET_UNKNOWN"
	CodeDeliveryFailed             = "DELIVERY_FAILED"
	CodeRunTimeout                 = "RUN_TIMEOUT"
	CodeRunCancelled               = "RUN_CANCELLED"
)

// Candidate is one possible match reported with an ambiguity error.
type Candidate struct {
	ID      string `json:"id"`
	Display string `json:"display,omitempty"`
}

// Error is a structured error carrying the taxonomy kind and a stable code.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	// Candidates is set for ambiguous target resolution.
	Candidates []Candidate `json:"candidates,omitempty"`
	// Hint carries plugin-supplied guidance for unknown targets.
	Hint string `json:"hint,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a structured error of the given kind.
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// WrapError attaches kind/code metadata to an underlying error.
func WrapError(kind ErrorKind, code, msg string, err error) *Error {
	if msg == "" {
		msg = err.Error()
	} else {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, wrapped: err}
}
