package wire

import "encoding/json"

const (
	// HeaderDeviceID names the header carrying the device identifier on authenticated calls.
	HeaderDeviceID = "X-Device-Id"
	// PreferencesID is the fixed envelope id of the per-account preferences record.
	PreferencesID = "prefs"
	// MaxIdentifierLength bounds every identifier persisted by the server.
	MaxIdentifierLength = 190
)

// Entity kinds reported in push rejections.
const (
	KindPreferences = "preferences"
	KindMovement    = "movement"
	KindPrEntry     = "prEntry"
)

// Rejection reasons.
const (
	ReasonTenantConflict = "tenant_conflict"
)

// Stream event types.
const (
	StreamEventSyncChanged = "sync-changed"
	StreamEventHeartbeat   = "heartbeat"
)

// PayloadEnvelope is an envelope whose payload stays opaque JSON.
type PayloadEnvelope = Envelope[json.RawMessage]

type BootstrapRequest struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
	AppVersion  string `json:"appVersion,omitempty"`
}

type BootstrapResponse struct {
	AccountID    string `json:"accountId"`
	DeviceID     string `json:"deviceId"`
	ServerTimeMs int64  `json:"serverTimeMs"`
}

// PushRequest uploads the client's local snapshot. SinceMs is informational.
type PushRequest struct {
	ClientTimeMs int64             `json:"clientTimeMs"`
	SinceMs      *int64            `json:"sinceMs,omitempty"`
	Preferences  *PayloadEnvelope  `json:"preferences,omitempty"`
	Movements    []PayloadEnvelope `json:"movements,omitempty"`
	PrEntries    []PayloadEnvelope `json:"prEntries,omitempty"`
}

// Rejection reports an envelope the server refused to store.
type Rejection struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type PushResponse struct {
	Accepted     int         `json:"accepted"`
	ServerTimeMs int64       `json:"serverTimeMs"`
	Rejected     []Rejection `json:"rejected,omitempty"`
}

type PullResponse struct {
	ServerTimeMs int64             `json:"serverTimeMs"`
	Preferences  *PayloadEnvelope  `json:"preferences"`
	Movements    []PayloadEnvelope `json:"movements"`
	PrEntries    []PayloadEnvelope `json:"prEntries"`
}

// StreamEvent is sent over the realtime channel.
type StreamEvent struct {
	Type         string `json:"type"`
	ServerTimeMs int64  `json:"serverTimeMs"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
