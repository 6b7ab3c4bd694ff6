package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Machine-readable error kinds carried alongside every error message.
const (
	kindInvalidRequest   = "invalid_request"
	kindNotFound         = "not_found"
	kindTokenInvalid     = "token_invalid"
	kindConflict         = "conflict"
	kindStoreUnavailable = "store_unavailable"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// decodeJSONLenient tolerates unknown fields; the gateway's authorization
// plugin sends extras we do not model.
func decodeJSONLenient(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	return json.NewDecoder(r.Body).Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, kind string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}
