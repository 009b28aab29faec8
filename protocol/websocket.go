package protocol

// WebSocket message type constants
const (
	WSTypeStatusUpdate       = "statusUpdate"
	WSTypeSystemMessage      = "systemMessage"
	WSTypeServiceRestartTip  = "serviceRestartTip"
	WSTypeManualReinitialize = "manualReinitialize"
	WSTypeForceReinitialize  = "forceReinitialize"
	WSTypeCommandResponse    = "commandResponse"
	WSTypeError              = "error"
)

// Error codes carried in error responses
const (
	ErrCodeParseError  = "PARSE_ERROR"
	ErrCodeUnknownType = "UNKNOWN_TYPE"
	ErrCodeThrottled   = "THROTTLED"
	ErrCodeUnavailable = "UNAVAILABLE"
)

// WebSocketMessage is the generic message envelope for WebSocket communication.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients.
type WebSocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}
