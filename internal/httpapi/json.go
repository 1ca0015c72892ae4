package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

// ownerOf reads the owner from the query, falling back to X-Owner-ID.
func ownerOf(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("ownerId")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Owner-ID"))
}
