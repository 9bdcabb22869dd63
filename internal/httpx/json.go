package httpx

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

// WriteValidation reports per-field messages alongside the usual envelope.
// The request itself was fine, so the status stays 200 like the rest of the
// admin endpoints that answer with success=false.
func WriteValidation[K ~string](w http.ResponseWriter, message string, fields map[K]string, extra map[string]any) {
	errs := make(map[string]string, len(fields))
	for k, v := range fields {
		errs[string(k)] = v
	}
	body := map[string]any{
		"success": false,
		"message": message,
		"errors":  errs,
	}
	for k, v := range extra {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}
	WriteJSON(w, http.StatusOK, body)
}

// DecodeJSON reads a JSON body into dst, rejecting bodies over maxBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
