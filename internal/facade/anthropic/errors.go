package anthropic

import (
	"encoding/json"
	"net/http"

	"claude-nexus/internal/gwerr"
)

type apiErrorResponse struct {
	Type  string      `json:"type"`
	Error apiErrorObj `json:"error"`
}

type apiErrorObj struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, typ string, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorResponse{
		Type: "error",
		Error: apiErrorObj{
			Type:    typ,
			Message: msg,
		},
	})
}

// writeGatewayError maps an internal error onto the Messages error envelope.
func writeGatewayError(w http.ResponseWriter, err error) {
	status := gwerr.StatusOf(err)
	writeError(w, status, errorType(status), err.Error())
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
