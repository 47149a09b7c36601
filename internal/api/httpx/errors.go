// Package httpx holds the error codes returned by the control API.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Code is an error code.
type Code int

const (
	// Codes for viewer management.
	ErrViewerNotFound Code = iota + 10000
	ErrNegotiationPending
	ErrFailedToStartViewer
	ErrUpgradeWebSocket

	// Codes for common errors.
	ErrUnmarshalJSON
)

// Errors maps error code to error message.
var Errors = map[Code]string{
	ErrViewerNotFound:      "Viewer not found",
	ErrNegotiationPending:  "Negotiation already pending for target",
	ErrFailedToStartViewer: "Failed to start viewer",
	ErrUpgradeWebSocket:    "Could not upgrade to WebSocket",
	ErrUnmarshalJSON:       "Could not unmarshal JSON data",
}

// Error is the JSON body of an error response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteError replies with status and the message of code.
func WriteError(w http.ResponseWriter, status int, code Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Error{Code: code, Message: Errors[code]})
}
