package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Default(applog.ComponentHTTP).Error("Failed to encode response", applog.FieldError, err)
	}
}

// writeError maps domain errors onto status codes. Storage failures are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *core.ValidationError
		se *core.StorageError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.As(err, &se):
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldPath, r.URL.Path,
			applog.FieldOperation, se.Op,
			applog.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	case errors.Is(err, core.ErrInvalidFrequency):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "frequency"})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: core.ErrNotFound.Error()})
	default:
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldPath, r.URL.Path,
			applog.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

// amountField accepts an amount as a JSON string ("12,50") or number (12.5).
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n.String())
	return nil
}

// sanitizeInput strips control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
