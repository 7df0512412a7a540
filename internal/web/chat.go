// ABOUTME: Chat endpoints: multipart send, SSE settlement stream, WebSocket channel
// ABOUTME: Bridges browser submissions into the service's two-phase send

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/parleyhq/parley/internal/attachment"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/index"
	"github.com/parleyhq/parley/internal/webhook"
)

// maxUploadBytes caps the in-memory portion of a multipart submission
const maxUploadBytes = 32 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSend accepts one user submission: a "message" text field, any number
// of "attachments" file parts, and an optional "audio" part with an
// "audioDurationSeconds" field. A "clientMessageId" field lets the guard drop
// duplicate submissions.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if agentID == "" {
		http.Error(w, "Agent ID required", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	var guardKey string
	if clientID := r.FormValue("clientMessageId"); clientID != "" {
		guardKey = agentID + ":" + clientID
		if !s.guard.Admit(guardKey) {
			s.logger.Debug("duplicate submission dropped", "agent_id", agentID, "client_message_id", clientID)
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	input := conversation.SendInput{Text: r.FormValue("message")}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["attachments"] {
			att, err := s.encodeUpload(fh, attachment.KindFile, nil)
			if err != nil {
				// Encoding failures drop the attachment, not the send
				s.logger.Warn("attachment dropped", "error", err, "name", fh.Filename)
				continue
			}
			input.Attachments = append(input.Attachments, att)
		}

		if audioFiles := r.MultipartForm.File["audio"]; len(audioFiles) > 0 {
			var duration *float64
			if raw := r.FormValue("audioDurationSeconds"); raw != "" {
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					duration = &v
				}
			}
			att, err := s.encodeUpload(audioFiles[0], attachment.KindAudio, duration)
			if err != nil {
				s.logger.Warn("audio clip dropped", "error", err, "name", audioFiles[0].Filename)
			} else {
				input.Audio = att
			}
		}
	}

	if input.Text == "" && len(input.Attachments) == 0 && input.Audio == nil {
		s.releaseGuard(guardKey)
		http.Error(w, "Message required", http.StatusBadRequest)
		return
	}

	userMsg, err := s.svc.Send(r.Context(), agentID, input)
	if err != nil {
		// Only accepted sends keep their key; a rejection must not block a
		// retry under the same clientMessageId.
		s.releaseGuard(guardKey)

		var cfgErr *webhook.ConfigurationError
		switch {
		case errors.Is(err, conversation.ErrUnknownAgent):
			http.Error(w, "Agent not found", http.StatusNotFound)
		case errors.Is(err, conversation.ErrSendInFlight):
			http.Error(w, "A send is already in flight for this agent", http.StatusConflict)
		case errors.As(err, &cfgErr):
			http.Error(w, cfgErr.Error(), http.StatusUnprocessableEntity)
		default:
			s.logger.Error("failed to send message", "error", err, "agent_id", agentID)
			http.Error(w, "Failed to send message", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "sent",
		"message": userMsg,
	})
}

// releaseGuard frees a dedupe key claimed by a submission that was not
// accepted. No-op for submissions sent without a clientMessageId.
func (s *Server) releaseGuard(key string) {
	if key != "" {
		s.guard.Forget(key)
	}
}

// encodeUpload reads one multipart file into a transport-ready attachment
func (s *Server) encodeUpload(fh *multipart.FileHeader, kind attachment.Kind, duration *float64) (*attachment.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, &attachment.EncodingError{Name: fh.Filename, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &attachment.EncodingError{Name: fh.Filename, Err: err}
	}

	return attachment.Encode(attachment.Blob{
		Name:            fh.Filename,
		DeclaredType:    fh.Header.Get("Content-Type"),
		Data:            data,
		Kind:            kind,
		DurationSeconds: duration,
	})
}

// handleEvents streams settlement events for one agent as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, ok := s.svc.Agent(agentID); !ok {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events := s.svc.Subscribe(r.Context(), agentID)

	fmt.Fprintf(w, "event: connected\ndata: {\"agent_id\": %q}\n\n", agentID)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// handleWebSocket streams settlement events for one agent over a WebSocket.
// The read side only detects client close; sends still go through HTTP.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, ok := s.svc.Agent(agentID); !ok {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "agent_id", agentID)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := s.svc.Subscribe(ctx, agentID)
	s.logger.Debug("websocket connected", "agent_id", agentID)

	// Written after the subscription exists, so a client that waits for it
	// cannot miss events for sends it issues afterwards
	if err := ws.WriteJSON(map[string]string{"kind": "connected", "agentId": agentID}); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err, "agent_id", agentID)
				return
			}
		}
	}
}

// renderedMessage is a message with optional server-rendered HTML content
type renderedMessage struct {
	*conversation.Message
	HTML string `json:"html,omitempty"`
}

// handleMessages returns a conversation's messages, filtered by ?q= and
// optionally rendered to HTML with ?render=html.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")

	conv, err := s.svc.EnsureConversation(agentID)
	if err != nil {
		if errors.Is(err, conversation.ErrUnknownAgent) {
			http.Error(w, "Agent not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load conversation", "error", err, "agent_id", agentID)
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	messages := index.FilterMessages(conv, r.URL.Query().Get("q"))

	if r.URL.Query().Get("render") != "html" {
		s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	rendered := make([]renderedMessage, 0, len(messages))
	for _, msg := range messages {
		rm := renderedMessage{Message: msg}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(msg.Content), &buf); err != nil {
			s.logger.Warn("markdown rendering failed", "error", err, "message_id", msg.ID)
		} else {
			rm.HTML = buf.String()
		}
		rendered = append(rendered, rm)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": rendered})
}
