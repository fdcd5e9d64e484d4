package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 5 * time.Second

// statusMessage is what observers receive for each status update.
type statusMessage struct {
	RunID  string            `json:"runId,omitempty"`
	NodeID string            `json:"nodeId"`
	Status schema.NodeStatus `json:"status"`
}

func toMessage(ev streaming.StatusEvent) statusMessage {
	return statusMessage{RunID: ev.RunID, NodeID: ev.NodeID, Status: ev.Status}
}

// handleIssueToken grants a time-limited subscription to one category.
// Categories are node type tags.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	if !s.deps.Registry.Has(schema.NodeType(category)) {
		writeError(w, http.StatusNotFound, "unknown category: "+category)
		return
	}
	token, expires, err := s.deps.Tokens.Issue(category, s.deps.TokenTTL)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": expires})
}

// subscribe verifies the request's token and subscribes to its category.
func (s *Server) subscribe(ctx context.Context, r *http.Request) (string, <-chan streaming.StatusEvent, func(), int, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return "", nil, nil, http.StatusUnauthorized, errors.New("token is required")
	}
	category, err := s.deps.Tokens.Verify(token)
	if err != nil {
		return "", nil, nil, http.StatusUnauthorized, streaming.ErrInvalidToken
	}
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, category)
	if err != nil {
		return "", nil, nil, http.StatusInternalServerError, fmt.Errorf("subscribe: %w", err)
	}
	return category, ch, cancel, http.StatusOK, nil
}

// handleSSEStatus streams the token's category as Server-Sent Events.
func (s *Server) handleSSEStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	category, ch, cancel, code, err := s.subscribe(r.Context(), r)
	if err != nil {
		writeError(w, code, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", category)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(toMessage(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleWSStatus streams the token's category over a WebSocket. Messages
// from the client are ignored.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	_, ch, cancel, code, err := s.subscribe(r.Context(), r)
	if err != nil {
		writeError(w, code, err.Error())
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket accept", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			data, err := json.Marshal(toMessage(ev))
			if err != nil {
				continue
			}
			writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			done()
			if err != nil {
				return
			}
		}
	}
}
