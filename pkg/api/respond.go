package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxJSONBody caps non-upload request bodies. Multipart uploads are capped
// separately by the evidence policy.
const maxJSONBody = 1 << 20 // 1 MiB

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v, rejecting unknown fields,
// oversized bodies, and trailing garbage. Failures are validation errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", ErrValidation, maxErr.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body: %v", ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected trailing data after JSON body", ErrValidation)
	}
	// Drain so keep-alive connections can be reused.
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}
