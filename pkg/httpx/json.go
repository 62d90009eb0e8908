// Package httpx writes the JSON bodies every holdkeeper endpoint answers with.
package httpx

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFailure replaces a body that could not be encoded.
var encodeFailure = []byte(`{"code":"encode_failed","message":"response could not be encoded"}` + "\n")

// WriteJSON encodes value before touching w. A value that does not encode turns into
// a 500 with an encode_failed error body rather than a truncated response.
func WriteJSON(w http.ResponseWriter, status int, value any) {
	body, err := json.Marshal(value)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailure)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}
