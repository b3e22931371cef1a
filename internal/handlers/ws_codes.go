// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the round handler.
// These provide more specific reasons for closure than standard codes. Bad tokens and
// unknown rooms are refused with an HTTP status before the upgrade and have no close code.
const (
	BadSubprotocolError  websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	AdmissionLostError   websocket.StatusCode = 3004 // The admission lease could not be renewed.
	StaleSubscriberError websocket.StatusCode = 3005 // Critical messages went unacknowledged past the retry ceiling.
	WriteFailedError     websocket.StatusCode = 3006 // The server could not write to the connection.
)

// closeCode maps a subscriber close reason to its close code.
func closeCode(reason string) websocket.StatusCode {
	switch reason {
	case "stale subscriber":
		return StaleSubscriberError
	case "write failed":
		return WriteFailedError
	case "admission lease lost":
		return AdmissionLostError
	}
	return websocket.StatusNormalClosure
}
