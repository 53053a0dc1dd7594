package http

import (
	"io"
	"net/http"
	"strings"

	"github.com/chimera-gw/chimera/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// mcpHandler creates the main HTTP handler for JSON-RPC frame dispatch.
func mcpHandler(proxyService *service.ProxyService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlePost(w, r, proxyService)
		case http.MethodOptions:
			handleOptions(w)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handlePost processes one JSON-RPC frame from the agent. The frame goes
// through the same HandleFrame dispatch as the stdio transport, so both
// transports share interception semantics exactly.
func handlePost(w http.ResponseWriter, r *http.Request, proxyService *service.ProxyService) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		http.Error(w, "Unsupported Media Type: expected application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		http.Error(w, "Bad Request: failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodySize {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "Bad Request: empty body", http.StatusBadRequest)
		return
	}

	resp := proxyService.HandleFrame(r.Context(), body)

	// Notifications produce no response frame.
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		LoggerFromContext(r.Context()).Error("write response", "error", err)
	}
}

// handleOptions answers CORS preflight for browser-based agents.
func handleOptions(w http.ResponseWriter) {
	w.Header().Set("Allow", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.WriteHeader(http.StatusNoContent)
}
