package gateway

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = NewSessionManager(0, deps.Logger)
	}

	mux := http.NewServeMux()

	// Session transport
	mux.HandleFunc("GET /sse", deps.authMiddleware(deps.handleSSE))
	mux.HandleFunc("POST "+messageEndpointPath, deps.authMiddleware(deps.handleSessionMessage))

	// Stateless transport
	mux.HandleFunc("POST /mcp", deps.authMiddleware(deps.handleStateless))

	// Usage for the authenticated caller
	mux.HandleFunc("GET /v1/usage", deps.authMiddleware(deps.handleUsage))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"tools":    len(deps.Registry.Discoverable()),
			"sessions": deps.Sessions.Len(),
		})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

// handleStateless implements POST /mcp: one HTTP request, one response.
func (d *Dependencies) handleStateless(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusOK, bodyErrorResponse(err))
		return
	}

	out, ok := d.handleBody(r.Context(), body, callMeta{Transport: "http"})
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUsage implements GET /v1/usage?days=N.
func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "usage analytics unavailable"})
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "days must be between 1 and 90"})
			return
		}
		days = n
	}

	caller := callerFromRequest(r)
	summary, err := d.Reader.Summarize(r.Context(), caller.UserID, days)
	if err != nil {
		d.Logger.Error("usage summary failed", zap.String("user_id", caller.UserID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to load usage"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
