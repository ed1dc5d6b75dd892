package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// envelope is the shape of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// fail writes err with the status and kind prefix of its error kind.
func fail(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), envelope{Error: apperr.Message(err)})
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

// parseFilter reads the standard list parameters.
func parseFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{
		Workspace:      q.Get("workspace"),
		ConversationID: q.Get("conversation_id"),
		Source:         q.Get("source"),
		Path:           q.Get("path"),
	}
	if v := q.Get("kind"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, k)
			}
		}
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.SeqBefore, err = int64Param(q.Get("seq_before"), "seq_before"); err != nil {
		return f, err
	}
	if f.SeqAfter, err = int64Param(q.Get("seq_after"), "seq_after"); err != nil {
		return f, err
	}
	if f.Since, err = timeParam(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if v := q.Get("exit_code"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperr.Validationf("exit_code must be an integer")
		}
		f.ExitCode = &n
	}
	return f, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validationf("%s must be an integer", name)
	}
	return n, nil
}

func int64Param(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperr.Validationf("%s must be an integer", name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 or unix milliseconds.
func timeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, apperr.Validationf("%s must be RFC 3339 or unix milliseconds", name)
}
