package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/task"
)

// getPathUUID parses the named chi path parameter as a UUID.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", ErrInvalidRequest, paramName)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", ErrInvalidRequest, paramName)
	}
	return id, nil
}

// getQueryLimit parses the limit query parameter. Missing means 0, which the
// scheduler replaces with its default.
func getQueryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidRequest)
	}
	return limit, nil
}

// getQueryStatuses parses a comma-separated status query parameter.
func getQueryStatuses(r *http.Request) ([]task.Status, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	var statuses []task.Status
	for _, part := range strings.Split(raw, ",") {
		st := task.Status(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, st)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// metadataQueryPrefix marks query parameters that filter on metadata, as in
// ?metadata.twin_id=abc.
const metadataQueryPrefix = "metadata."

// getQueryMetadata collects metadata.<key>=<value> query parameters.
func getQueryMetadata(r *http.Request) (map[string]string, error) {
	var out map[string]string
	for name, values := range r.URL.Query() {
		key, ok := strings.CutPrefix(name, metadataQueryPrefix)
		if !ok {
			continue
		}
		if key == "" {
			return nil, fmt.Errorf("%w: metadata filter key is required", ErrInvalidRequest)
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("%w: metadata filter %q given more than once", ErrInvalidRequest, key)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = values[0]
	}
	return out, nil
}
