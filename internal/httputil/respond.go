// Package httputil provides JSON response helpers and bounded body reads
// shared by the gateway's handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/microshop/gateway/internal/gwerrors"
	"github.com/microshop/gateway/internal/logging"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error         errorBody `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the stable error envelope for a gateway error. The
// correlation ID is taken from the request context so callers can match the
// response to the log record.
func WriteError(w http.ResponseWriter, r *http.Request, gerr *gwerrors.GatewayError) {
	if gerr.RetryAfter > 0 {
		secs := int(gerr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, gerr.HTTPStatus, errorEnvelope{
		Error:         errorBody{Code: string(gerr.Code), Message: gerr.Message},
		CorrelationID: logging.CorrelationID(r.Context()),
	})
}

// ReadAllWithLimit reads at most limit bytes from r and reports whether the
// input was truncated.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the full body and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d byte limit", limit)
	}
	return data, nil
}
