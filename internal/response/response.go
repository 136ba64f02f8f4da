package response

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"workcell/internal/apperr"
	"workcell/internal/validation"
)

// JSON writes a successful response with the given body.
func JSON(w http.ResponseWriter, data interface{}) {
	JSONStatus(w, http.StatusOK, data)
}

// JSONStatus writes data with the given status code.
func JSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("response: encode: %v", err)
	}
}

// Err writes a JSON error response with the given message and HTTP status code.
func Err(w http.ResponseWriter, msg string, code int) {
	JSONStatus(w, code, map[string]string{"error": msg})
}

// Error writes err with the status its kind maps to. Validation failures are
// 400, domain errors use apperr.Status, anything else is a logged 500.
func Error(w http.ResponseWriter, err error) {
	var ve *validation.ValidationErrors
	if errors.As(err, &ve) {
		Err(w, ve.Error(), http.StatusBadRequest)
		return
	}
	code := apperr.Status(err)
	if code >= 500 {
		log.Printf("response: internal error: %v", err)
	}
	Err(w, err.Error(), code)
}

// DecodeBody decodes a JSON request body into the given value.
func DecodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
