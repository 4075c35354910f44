package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Resp is the envelope of every gateway API answer.
type Resp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Resp{Code: http.StatusOK, Message: "OK", Data: data})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Resp{Code: status, Message: msg})
}

const maxBody = 1 << 20

// decodeOptional reads a JSON body into v, an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
