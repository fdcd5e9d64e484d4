package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/nodeflow/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps err onto an HTTP status. NodeflowErrors keep their code
// in the body.
func writeFailure(w http.ResponseWriter, err error) {
	var nfErr *schema.NodeflowError
	if !errors.As(err, &nfErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{"error": nfErr.Message, "code": nfErr.Code}
	if nfErr.NodeID != "" {
		body["nodeId"] = nfErr.NodeID
	}
	if len(nfErr.Details) > 0 {
		body["details"] = nfErr.Details
	}
	writeJSON(w, statusFor(nfErr.Code), body)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeConfig, schema.ErrCodeCycleDetected,
		schema.ErrCodeUnknownNodeType, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error())
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
