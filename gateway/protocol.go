package gateway

import "encoding/json"

// Client to server events.
const (
	EventSubscribe   = "subscribe-machine"
	EventUnsubscribe = "unsubscribe-machine"
	EventGetStatus   = "get-machine-status"
	EventPing        = "ping"
)

// Server to client events.
const (
	EventMachineStatus = "machine-status"
	EventRealtime      = "realtime-update"
	EventSPC           = "spc-update"
	EventAlarm         = "alarm-update"
	EventMachineAlert  = "machine-alert"
	EventConfirmed     = "subscription-confirmed"
	EventError         = "error"
	EventPong          = "pong"
)

// clientFrame is what a client sends.
type clientFrame struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId,omitempty"`
}

// serverFrame is what the gateway sends.
type serverFrame struct {
	Event     string `json:"event"`
	DeviceID  string `json:"deviceId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

func (f serverFrame) marshal() ([]byte, error) {
	return json.Marshal(f)
}
