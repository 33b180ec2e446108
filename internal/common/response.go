package common

import (
	"encoding/json"
	"strings"
)

// ErrorBody represents the canonical nested error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// MessageBody is the flat acknowledgement shape returned by storefront mutations.
type MessageBody struct {
	Message string `json:"message"`
}

// ErrorMessage extracts a human readable message from an error response body.
// Both {"message": "..."} and {"error": {"message": "..."}} are understood.
func ErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	if len(payload.Error) == 0 {
		return ""
	}
	var nested ErrorBody
	if err := json.Unmarshal(payload.Error, &nested); err == nil {
		return strings.TrimSpace(nested.Message)
	}
	var flat string
	if err := json.Unmarshal(payload.Error, &flat); err == nil {
		return strings.TrimSpace(flat)
	}
	return ""
}
