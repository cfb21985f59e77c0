package utils

// WebSocketEvent is the envelope every pushed event uses.
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event type names pushed over the WebSocket stream.
const (
	EventTypeConnecting   = "session/connecting"
	EventTypeConnected    = "session/connected"
	EventTypeDisconnected = "session/disconnected"
	EventTypeFailed       = "session/failed"
	EventTypeNotification = "device/notification"
	EventTypeProgress     = "upload/progress"
	EventTypeUploadDone   = "upload/done"
)

// SessionPayload describes a session state change.
type SessionPayload struct {
	Address string `json:"address,omitempty"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// NotificationPayload carries a decoded device notification.
type NotificationPayload struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Raw     string `json:"raw"` // hex-encoded payload including tag
}

// UploadDonePayload reports the outcome of a finished transfer.
type UploadDonePayload struct {
	JobID string `json:"job_id"`
	Slot  int    `json:"slot"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}
