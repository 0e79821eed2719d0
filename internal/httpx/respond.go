package httpx

import (
	"encoding/json"
	"net/http"

	"marketrust/internal/apperr"
)

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Error writes err as {"error": {"message", "kind"}} with its mapped status.
// The kind is the error code when one is set.
func Error(w http.ResponseWriter, err error) {
	ErrorStatus(w, apperr.HTTPStatus(err), err)
}

// ErrorStatus writes err like Error but with an explicit status.
func ErrorStatus(w http.ResponseWriter, status int, err error) {
	kind := string(apperr.CodeOf(err))
	if kind == "" {
		kind = apperr.KindOf(err).String()
	}
	JSON(w, status, errorBody{Error: errorDetail{
		Message: publicMessage(err),
		Kind:    kind,
	}})
}

// Internal failures are reported without their cause.
func publicMessage(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration:
		return "server misconfigured"
	case apperr.KindDependency, apperr.KindUnknown:
		return "service temporarily unavailable"
	default:
		return err.Error()
	}
}
