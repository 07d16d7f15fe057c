package handler

import (
	"net/http"

	"github.com/stellar-reserve-sponsor/internal/httputil"
)

type ErrorResponse = httputil.ErrorResponse

func RespondJSON(w http.ResponseWriter, status int, data any) {
	httputil.RespondJSON(w, status, data)
}

func RespondError(w http.ResponseWriter, status int, code, message string) {
	httputil.RespondError(w, status, code, message)
}

// DecodeRequest decodes the JSON body into dst, answering 400 invalid_request
// and returning false when it cannot.
func DecodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSON(w, r, dst); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}
