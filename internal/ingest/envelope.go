package ingest

import "encoding/json"

// Envelope is the structured body fleet firmware wraps every message
// in. Timestamp is unix seconds at the device; zero means the device
// declared no timestamp and the staleness filter does not apply.
type Envelope struct {
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// registrationPayload is the Payload of a registration envelope.
type registrationPayload struct {
	ClientID string            `json:"client_id"`
	Name     string            `json:"device_name"`
	Owner    string            `json:"owner"`
	Metadata map[string]string `json:"metadata"`
}

// lastWill is the broker-delivered disconnect marker. Unlike ordinary
// messages it is not wrapped in an [Envelope]; the broker publishes it
// verbatim as registered at connect time. Any Type other than
// "un_registration" is invalid.
type lastWill struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

const lastWillType = "un_registration"
