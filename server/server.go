// Package server exposes the chat dispatcher over HTTP with SSE streaming.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/roundtable-ai/roundtable"
)

// maxUploadBytes caps multipart file uploads per request.
const maxUploadBytes = 32 << 20

// Server routes chat requests to a roundtable.Dispatcher and streams events
// back over SSE. The request context carries client disconnects into the
// dispatcher, which cancels in-flight orchestration.
type Server struct {
	dispatcher *roundtable.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server around the dispatcher.
func New(d *roundtable.Dispatcher, opts ...Option) *Server {
	s := &Server{dispatcher: d, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /teams/chat", s.handleTeamsChat)
	mux.HandleFunc("POST /teams/{conversationId}/parse", s.handleTeamsParse)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening on addr and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
	}

	s.logger.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleChat serves the general chat endpoint. Accepts JSON or
// multipart/form-data (for file uploads).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := s.parseChatInput(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.stream(w, r, in)
}

// handleTeamsChat serves the team-only chat variant. The body is always JSON.
func (s *Server) handleTeamsChat(w http.ResponseWriter, r *http.Request) {
	var in roundtable.ChatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	s.stream(w, r, in)
}

// handleTeamsParse forces team extraction from the conversation's current
// messages and returns the updated conversation.
func (s *Server) handleTeamsParse(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	conv, err := s.dispatcher.ParseTeam(r.Context(), conversationID)
	if err != nil {
		s.logger.Error("team parse failed", "conversation_id", conversationID, "error", err)
		status := http.StatusInternalServerError
		if err == roundtable.ErrNotFound {
			status = http.StatusNotFound
		} else if err == roundtable.ErrTeamExtractionFailed {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(conv)
}

// stream runs one dispatcher turn with an SSE emitter bound to the response.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, in roundtable.ChatInput) {
	emitter, err := newSSEEmitter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), in, emitter); err != nil {
		// Headers are already written; the terminal event (or the closed
		// connection) is the only signal the client gets.
		s.logger.Error("dispatch failed", "conversation_id", in.ConversationID, "error", err)
	}
}

// parseChatInput decodes a /chat body, handling both JSON and multipart
// uploads.
func (s *Server) parseChatInput(r *http.Request) (roundtable.ChatInput, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		return s.parseMultipart(r)
	}

	var in roundtable.ChatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return roundtable.ChatInput{}, fmt.Errorf("invalid request body")
	}
	if strings.TrimSpace(in.Text) == "" {
		return roundtable.ChatInput{}, fmt.Errorf("text is required")
	}
	return in, nil
}

func (s *Server) parseMultipart(r *http.Request) (roundtable.ChatInput, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return roundtable.ChatInput{}, fmt.Errorf("invalid multipart body")
	}
	in := roundtable.ChatInput{
		Text:            r.FormValue("text"),
		ConversationID:  r.FormValue("conversationId"),
		ParentMessageID: r.FormValue("parentMessageId"),
	}
	if strings.TrimSpace(in.Text) == "" {
		return roundtable.ChatInput{}, fmt.Errorf("text is required")
	}

	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					return roundtable.ChatInput{}, fmt.Errorf("read upload %q", fh.Filename)
				}
				content, err := io.ReadAll(f)
				_ = f.Close()
				if err != nil {
					return roundtable.ChatInput{}, fmt.Errorf("read upload %q", fh.Filename)
				}
				in.Files = append(in.Files, roundtable.FileInfo{
					FileID:   roundtable.NewID(),
					FileName: fh.Filename,
					MimeType: fh.Header.Get("Content-Type"),
					Content:  content,
				})
			}
		}
	}
	return in, nil
}
