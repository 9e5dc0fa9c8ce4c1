package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/sessions"
	"github.com/giantswarm/mcp-gateway/transport"
)

const (
	// messagesPath is where clients POST messages for an event stream.
	messagesPath = "/messages"

	// maxMessageBytes bounds a single client message body.
	maxMessageBytes = 1 << 20

	// keepAliveInterval spaces comment frames that hold idle connections
	// open through proxies.
	keepAliveInterval = 30 * time.Second
)

// StreamRoutes registers the event-stream endpoints on mux.
func (h *Handler) StreamRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sse", h.ServeEventStream)
	mux.HandleFunc(messagesPath, h.ServeMessages)
}

// ServeEventStream handles the SSE connect: it mints a fresh session with a
// durable record, registers a stream binding under that id, tells the client
// where to POST via an endpoint event, and then forwards outbound protocol
// messages as message events until either side disconnects. Teardown closes
// both channel ends and removes the registry entry as one unit.
func (h *Handler) ServeEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, ErrorCodeServerError, "Streaming is not supported", http.StatusInternalServerError)
		return
	}

	clientIP := h.clientIP(r)
	sessionID := sessions.NewID()

	if _, err := h.server.Sessions.CreateOrTouch(r.Context(), sessionID); err != nil {
		h.logger.Error("Failed to create stream session", "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to establish session", http.StatusInternalServerError)
		return
	}
	h.server.Instrumentation.Metrics().RecordSessionCreated(r.Context())

	stream := transport.NewStream()
	binding := h.server.Registry.Provision(context.Background(), sessionID, func() transport.Transport {
		return stream
	})
	defer binding.Close()

	h.server.Instrumentation.Metrics().RecordStreamConnected(r.Context())
	defer h.server.Instrumentation.Metrics().RecordStreamDisconnected(context.Background())
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventStreamConnected,
			SessionID: sessionID,
			IPAddress: clientIP,
		})
		defer h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventStreamDisconnected,
			SessionID: sessionID,
			IPAddress: clientIP,
		})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	// The endpoint event tells the client where to deliver its messages.
	fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=%s\n\n", messagesPath, sessionID)
	flusher.Flush()

	h.logger.Info("Event stream connected", "session_id", sessionID, "ip", clientIP)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Event stream client disconnected", "session_id", sessionID)
			return
		case <-stream.Done():
			h.logger.Info("Event stream closed", "session_id", sessionID)
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg := <-stream.Outbound():
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// ServeMessages handles POST /messages?session_id=: it delivers a client
// message into the session's stream. The registry entry must exist in this
// process; a missing binding is 404 session_not_found, deliberately distinct
// from the 401 a missing durable session produces on the bearer path.
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if err := sessions.ValidateID(sessionID); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid session id", http.StatusBadRequest)
		return
	}

	binding, ok := h.server.Registry.Get(sessionID)
	if !ok {
		h.writeSessionNotFound(w)
		return
	}
	stream, ok := binding.Transport.(*transport.Stream)
	if !ok {
		h.writeError(w, ErrorCodeServerError, "Session transport does not accept messages", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to read message body", http.StatusBadRequest)
		return
	}

	if err := stream.Send(r.Context(), body); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			h.writeSessionNotFound(w)
			return
		}
		h.logger.Error("Failed to deliver message", "session_id", sessionID, "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to deliver message", http.StatusInternalServerError)
		return
	}

	// Best effort activity touch; delivery already succeeded.
	if _, err := h.server.Sessions.Retrieve(r.Context(), sessionID); err != nil {
		h.logger.Debug("Could not touch session after delivery", "session_id", sessionID, "error", err)
	}

	h.server.Instrumentation.Metrics().RecordMessageDelivered(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// writeSessionNotFound reports a missing process-local binding.
func (h *Handler) writeSessionNotFound(w http.ResponseWriter) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            "session_not_found",
		ErrorDescription: "No live transport for this session in this process",
	})
}
