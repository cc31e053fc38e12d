// Package protocol defines the gateway WebSocket wire contract shared by the
// server, the CLI client, and device nodes.
//
// Every frame is a single JSON object. Requests carry {id, method, params},
// responses carry {id, result} or {id, error}, and server pushes carry
// {event, payload}. A request may set expectFinal=true to ask for a second
// terminal frame after streaming output completes.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes. Clients that connect
// with a different major version are rejected during the connect handshake.
const ProtocolVersion = 3

// Frame is the envelope for every message on the socket.
// Exactly one of Method (request), Event (push), or Result/Error (response)
// is populated.
type Frame struct {
	ID          string          `json:"id,omitempty"`
	Method      string          `json:"method,omitempty"`
	Event       string          `json:"event,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorShape     `json:"error,omitempty"`
	Payload     interface{}     `json:"payload,omitempty"`
	ExpectFinal bool            `json:"expectFinal,omitempty"`
	Final       bool            `json:"final,omitempty"`
}

// ErrorShape is the JSON error body for failed requests.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string { return e.Code + ": " + e.Message }

// Error codes returned by the gateway and node hosts.
const (
	ErrInvalidRequest            = "INVALID_REQUEST"
	ErrUnavailable               = "UNAVAILABLE"
	ErrPermissionMissing         = "PERMISSION_MISSING"
	ErrNodeBackgroundUnavailable = "NODE_BACKGROUND_UNAVAILABLE"
	ErrCameraDisabled            = "CAMERA_DISABLED"
	ErrLocationDisabled          = "LOCATION_DISABLED"
	ErrLocationPermissionReq     = "LOCATION_PERMISSION_REQUIRED"
	ErrA2UIHostNotConfigured     = "A2UI_HOST_NOT_CONFIGURED"
	ErrA2UIHostUnavailable       = "A2UI_HOST_UNAVAILABLE"
	ErrUnauthorized              = "UNAUTHORIZED"
	ErrNotFound                  = "NOT_FOUND"
	ErrInternal                  = "INTERNAL"
)

// NewRequest builds a request frame with marshalled params.
// Marshal errors surface as a nil Params field; the server rejects the frame
// with INVALID_REQUEST, which is the behaviour callers want for bad input.
func NewRequest(id, method string, params interface{}) *Frame {
	f := &Frame{ID: id, Method: method}
	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			f.Params = raw
		}
	}
	return f
}

// NewResult builds a success response for the given request id.
func NewResult(id string, result interface{}) *Frame {
	f := &Frame{ID: id}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			f.Result = raw
		}
	}
	return f
}

// NewError builds a failure response for the given request id.
func NewError(id, code, message string) *Frame {
	return &Frame{ID: id, Error: &ErrorShape{Code: code, Message: message}}
}

// NewEvent builds a server push frame.
func NewEvent(name string, payload interface{}) *Frame {
	return &Frame{Event: name, Payload: payload}
}
