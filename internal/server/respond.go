package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/relayproxy/relay/internal"
)

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorInfo `json:"error"`
	Meta    errorMeta `json:"meta"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMeta struct {
	Timestamp string `json:"timestamp"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

// writeErrorEnvelope renders a taxonomized error as the uniform error
// envelope. Only the code and message reach the consumer; wrapped causes
// stay in logs.
func writeErrorEnvelope(w http.ResponseWriter, ge *gateway.Error) {
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(ge.Status())
	env := errorEnvelope{
		Error: errorInfo{Code: string(ge.Code), Message: ge.Message},
		Meta:  errorMeta{Timestamp: time.Now().UTC().Format(time.RFC3339)},
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
