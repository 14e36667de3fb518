package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/gawd-ai/sctl/internal/tunnel"
	"github.com/gawd-ai/sctl/internal/tunnel/relay"
)

// streamingPrefixes lists path prefixes the relay refuses to proxy; it
// never supports long-lived streaming responses. Clients consume those
// endpoints by connecting to the device directly.
var streamingPrefixes = []string{
	"/events",
	"/api/sessions/stream",
}

// MountRelay registers the external-facing device proxy front door:
// relay/{device}/{rest...} -> r.ProxyRequest.
func MountRelay(router *mux.Router, r *relay.Relay) {
	router.PathPrefix("/relay/{device}/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		device := vars["device"]
		rest := strings.TrimPrefix(req.URL.Path, "/relay/"+device)
		if rest == "" {
			rest = "/"
		}

		if isStreamingRequest(req, rest) {
			writeRawError(w, http.StatusNotImplemented, "STREAMING_UNSUPPORTED", "relay does not proxy long-lived streams")
			return
		}
		if req.URL.RawQuery != "" {
			rest += "?" + req.URL.RawQuery
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		headers := make(map[string]string, len(req.Header))
		for k := range req.Header {
			headers[k] = req.Header.Get(k)
		}

		binary := strings.HasPrefix(rest, "/api/stp/chunk/")
		resp, perr := r.ProxyRequest(req.Context(), device, req.Method, rest, headers, body, binary)
		if perr != nil {
			writeRelayError(w, perr)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}

func isStreamingRequest(req *http.Request, path string) bool {
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	for _, prefix := range streamingPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func writeRelayError(w http.ResponseWriter, err error) {
	te, ok := err.(*tunnel.Error)
	if !ok {
		writeRawError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeRawError(w, te.HTTPStatus(), te.Code, te.Message)
}
