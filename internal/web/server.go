// ABOUTME: Browser-facing HTTP API: agents, conversations, folders, send, live streams
// ABOUTME: Thin JSON layer over the conversation service and persistence adapter

package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/dedupe"
	"github.com/parleyhq/parley/internal/index"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/webhook"
)

// Config holds server configuration
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8080"
	Addr string

	// OwnerID scopes folder and conversation persistence
	OwnerID string
}

// Server exposes the chat core over HTTP for the browser client
type Server struct {
	config     Config
	svc        *conversation.Service
	persist    store.Store
	settings   *settings.Registry
	guard      *dedupe.Guard
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates the API server. Pass nil logger for default.
func New(cfg Config, svc *conversation.Service, persist store.Store, reg *settings.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		svc:      svc,
		persist:  persist,
		settings: reg,
		guard:    dedupe.NewGuard(0, 0),
		logger:   logger.With("component", "web"),
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterRoutes registers all API routes on the given mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("PUT /api/conversations/{agentID}/folder", s.handleAssignFolder)

	mux.HandleFunc("POST /api/chat/{agentID}/send", s.handleSend)
	mux.HandleFunc("GET /api/chat/{agentID}/events", s.handleEvents)
	mux.HandleFunc("GET /api/chat/{agentID}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/chat/{agentID}/messages", s.handleMessages)

	mux.HandleFunc("GET /api/folders", s.handleFoldersList)
	mux.HandleFunc("POST /api/folders", s.handleFolderCreate)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleFolderDelete)

	mux.HandleFunc("PUT /api/settings", s.handleSettingsGlobal)
	mux.HandleFunc("PUT /api/settings/{agentID}", s.handleSettingsOverride)
	mux.HandleFunc("DELETE /api/settings/{agentID}", s.handleSettingsDeleteOverride)

	s.logger.Info("api routes registered")
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	go s.watchSettings(s.settings.Subscribe(ctx))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.config.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP server and releases resources
func (s *Server) Shutdown(ctx context.Context) error {
	s.guard.Close()
	return s.httpServer.Shutdown(ctx)
}

// watchSettings logs dispatch settings changes until the subscription closes,
// so webhook behavior can be correlated with reconfiguration. Credentials
// are not logged.
func (s *Server) watchSettings(updates <-chan settings.Update) {
	for u := range updates {
		scope := "global"
		if u.AgentID != "" {
			scope = "agent:" + u.AgentID
		}
		s.logger.Info("dispatch settings updated",
			"scope", scope,
			"url", u.Settings.URL,
			"auth_type", string(u.Settings.AuthType),
			"response_format", string(u.Settings.ResponseFormat))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentItem is one entry in the agents listing
type agentItem struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	InFlight    bool     `json:"inFlight"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.Agents()
	items := make([]agentItem, 0, len(agents))
	for _, a := range agents {
		items = append(items, agentItem{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Avatar:      a.Avatar,
			Tools:       a.Tools,
			InFlight:    s.svc.InFlight(a.ID),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": items})
}

// conversationItem is one entry in the conversations listing. Messages are
// omitted; Matches carries keyword hits when a query was given.
type conversationItem struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	FolderID     *string                 `json:"folderId,omitempty"`
	LastUpdated  time.Time               `json:"lastUpdated"`
	Preview      string                  `json:"preview"`
	MessageCount int                     `json:"messageCount"`
	InFlight     bool                    `json:"inFlight"`
	Matches      []*conversation.Message `json:"matches,omitempty"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	convs := s.svc.Conversations()

	items := make([]conversationItem, 0, len(convs))
	for _, conv := range convs {
		item := conversationItem{
			ID:           conv.ID,
			Name:         conv.Name,
			FolderID:     conv.FolderID,
			LastUpdated:  conv.LastUpdated,
			Preview:      conv.Preview,
			MessageCount: len(conv.Messages),
			InFlight:     s.svc.InFlight(conv.ID),
		}
		if query != "" {
			item.Matches = index.FilterMessages(conv, query)
		}
		items = append(items, item)
	}

	folders, err := s.persist.ListFolders(r.Context(), s.config.OwnerID)
	if err != nil {
		s.logger.Error("failed to list folders", "error", err)
		http.Error(w, "Failed to load folders", http.StatusInternalServerError)
		return
	}

	groups := index.GroupByFolder(convs, folders)
	groupIDs := make(map[string][]string, len(groups))
	for folderID, members := range groups {
		ids := make([]string, 0, len(members))
		for _, conv := range members {
			ids = append(ids, conv.ID)
		}
		groupIDs[folderID] = ids
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": items,
		"folders":       folders,
		"groups":        groupIDs,
	})
}

func (s *Server) handleFoldersList(w http.ResponseWriter, r *http.Request) {
	folders, err := s.persist.ListFolders(r.Context(), s.config.OwnerID)
	if err != nil {
		s.logger.Error("failed to list folders", "error", err)
		http.Error(w, "Failed to load folders", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Folder name required", http.StatusBadRequest)
		return
	}

	folder, err := s.persist.CreateFolder(r.Context(), s.config.OwnerID, req.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFolder) {
			http.Error(w, "Folder already exists", http.StatusConflict)
			return
		}
		s.logger.Error("failed to create folder", "error", err, "name", req.Name)
		http.Error(w, "Failed to create folder", http.StatusInternalServerError)
		return
	}

	s.logger.Info("folder created", "folder_id", folder.ID, "name", folder.Name)
	s.writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	folderID := r.PathValue("id")
	if folderID == "" {
		http.Error(w, "Folder ID required", http.StatusBadRequest)
		return
	}

	if err := s.persist.DeleteFolder(r.Context(), folderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Folder not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to delete folder", "error", err, "folder_id", folderID)
		http.Error(w, "Failed to delete folder", http.StatusInternalServerError)
		return
	}

	// Deleted folders leave their conversations unassigned in memory too
	for _, conv := range s.svc.Conversations() {
		if conv.FolderID != nil && *conv.FolderID == folderID {
			if err := s.svc.AssignFolder(r.Context(), conv.ID, nil); err != nil {
				s.logger.Warn("failed to unassign conversation", "error", err, "agent_id", conv.ID)
			}
		}
	}

	s.logger.Info("folder deleted", "folder_id", folderID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignFolder(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if agentID == "" {
		http.Error(w, "Agent ID required", http.StatusBadRequest)
		return
	}

	var req struct {
		FolderID *string `json:"folderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.svc.AssignFolder(r.Context(), agentID, req.FolderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to assign folder", "error", err, "agent_id", agentID)
		http.Error(w, "Failed to assign folder", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

// settingsRequest is the wire shape of a settings update from the browser's
// settings form. Omitted fields fall back to zero values, which the registry's
// merge treats as unset for overrides.
type settingsRequest struct {
	URL            string `json:"webhookUrl"`
	AuthType       string `json:"authType"`
	APIKey         string `json:"apiKey"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Token          string `json:"token"`
	ResponseFormat string `json:"responseFormat"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (req *settingsRequest) toConfig() webhook.Config {
	return webhook.Config{
		URL:            req.URL,
		AuthType:       webhook.AuthType(req.AuthType),
		APIKey:         req.APIKey,
		Username:       req.Username,
		Password:       req.Password,
		Token:          req.Token,
		ResponseFormat: webhook.ResponseFormat(req.ResponseFormat),
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	}
}

func (s *Server) handleSettingsGlobal(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.settings.SetGlobal(req.toConfig())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSettingsOverride(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, ok := s.svc.Agent(agentID); !ok {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.settings.SetOverride(agentID, req.toConfig())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSettingsDeleteOverride(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, ok := s.svc.Agent(agentID); !ok {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}

	s.settings.DeleteOverride(agentID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
