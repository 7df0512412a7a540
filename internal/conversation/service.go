// ABOUTME: Service is the central orchestration layer for agent conversations
// ABOUTME: Two-phase send: synchronous optimistic append + persist, then async dispatch whose settlement always appends exactly once

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/attachment"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/webhook"
)

// ErrUnknownAgent indicates the addressed agent is not configured
var ErrUnknownAgent = errors.New("unknown agent")

// ErrSendInFlight indicates the agent already has an outstanding dispatch.
// Sends are serialized per agent; the user retries after settlement.
var ErrSendInFlight = errors.New("a send is already in flight for this agent")

// persistTimeout bounds best-effort persistence writes so they survive
// request-context cancellation without blocking settlement forever.
const persistTimeout = 5 * time.Second

// Dispatcher is what the service needs from the webhook layer
type Dispatcher interface {
	Send(ctx context.Context, cfg webhook.Config, payload webhook.Payload) (*webhook.Reply, error)
}

// SendInput carries one user submission: text plus optional attachments and
// one optional recorded audio clip.
type SendInput struct {
	Text        string
	Attachments []*attachment.Attachment
	Audio       *attachment.Attachment
}

// Service wires the conversation store, persistence, settings, and webhook
// dispatch together. All sends flow through here.
//
// Key principle: record first, then act. The user message is appended and
// persisted BEFORE the webhook call, so there is a record even when the agent
// fails; the settlement (success or failure) then produces exactly one
// further append + persist.
type Service struct {
	convs       *Store
	persist     store.Store
	dispatcher  Dispatcher
	settings    *settings.Registry
	broadcaster *Broadcaster
	agents      map[string]Agent
	agentOrder  []string

	mu      sync.RWMutex
	pending map[string]bool
	logger  *slog.Logger
}

// NewService creates the orchestration service. agents defines the set of
// addressable endpoints; pass nil logger for default.
func NewService(convs *Store, persist store.Store, dispatcher Dispatcher, reg *settings.Registry, agents []Agent, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Agent, len(agents))
	order := make([]string, 0, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		order = append(order, a.ID)
	}
	return &Service{
		convs:       convs,
		persist:     persist,
		dispatcher:  dispatcher,
		settings:    reg,
		broadcaster: NewBroadcaster(logger),
		agents:      byID,
		agentOrder:  order,
		pending:     make(map[string]bool),
		logger:      logger.With("component", "conversation"),
	}
}

// Agents returns the configured agents in configuration order
func (s *Service) Agents() []Agent {
	out := make([]Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		out = append(out, s.agents[id])
	}
	return out
}

// Agent looks up one configured agent
func (s *Service) Agent(id string) (Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Conversations returns snapshots of all in-memory conversations
func (s *Service) Conversations() []*Conversation {
	return s.convs.All()
}

// EnsureConversation returns a snapshot of the agent's conversation, creating
// and persisting it on first access.
func (s *Service) EnsureConversation(agentID string) (*Conversation, error) {
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}

	_, existed := s.convs.Get(agentID)
	conv := s.convs.Ensure(agent)
	if !existed {
		s.persistConversation(agentID)
	}
	return conv, nil
}

// InFlight reports whether the agent has an outstanding dispatch. Backs the
// per-agent awaiting-response indicator.
func (s *Service) InFlight(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending[agentID]
}

// Subscribe delivers settlement events for one agent until ctx is cancelled
func (s *Service) Subscribe(ctx context.Context, agentID string) <-chan *Event {
	return s.broadcaster.Subscribe(ctx, agentID)
}

// Broadcaster exposes the settlement broadcaster for transports
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Send runs the two-phase send for one agent.
//
// Phase 1 (synchronous): the user message is appended optimistically and the
// conversation persisted. Phase 2 (asynchronous): the payload is dispatched to
// the agent's webhook; settlement appends exactly one agent message — the
// reply on success, a diagnostic on failure — and persists again.
//
// Fails fast with *webhook.ConfigurationError before touching the
// conversation when no webhook URL is configured, and with ErrSendInFlight
// when the agent already has an outstanding dispatch.
func (s *Service) Send(ctx context.Context, agentID string, input SendInput) (*Message, error) {
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}

	cfg := s.settings.Effective(agentID)
	if agent.WebhookURL != "" {
		cfg.URL = agent.WebhookURL
	}
	if cfg.URL == "" {
		return nil, &webhook.ConfigurationError{AgentID: agentID}
	}

	if !s.acquire(agentID) {
		return nil, ErrSendInFlight
	}

	conv := s.convs.Ensure(agent)
	history := buildHistory(conv)

	_, userMsg, err := s.convs.AppendUserMessage(agentID, input.Text, input.Attachments)
	if err != nil {
		s.release(agentID)
		return nil, err
	}

	s.logger.Debug("user message recorded",
		"agent_id", agentID,
		"message_id", userMsg.ID,
		"attachments", len(input.Attachments),
		"audio", input.Audio != nil)

	s.persistConversation(agentID)
	s.broadcaster.Publish(&Event{Kind: EventUserMessage, AgentID: agentID, Message: userMsg})

	payload := webhook.Payload{
		ChatID:      conv.ID,
		MessageID:   userMsg.ID,
		Text:        input.Text,
		History:     history,
		Attachments: input.Attachments,
		Audio:       input.Audio,
	}

	// Settlement must outlive the originating request: the send returns
	// optimistically while the dispatch is still pending.
	go s.settle(context.WithoutCancel(ctx), agentID, cfg, payload)

	return userMsg, nil
}

// settle runs phase 2: dispatch and reconcile the outcome into the conversation
func (s *Service) settle(ctx context.Context, agentID string, cfg webhook.Config, payload webhook.Payload) {
	defer s.release(agentID)

	reply, err := s.dispatcher.Send(ctx, cfg, payload)

	var msg *Message
	var kind EventKind
	if err != nil {
		s.logger.Warn("dispatch failed",
			"agent_id", agentID,
			"message_id", payload.MessageID,
			"error", err)
		_, msg, _ = s.convs.AppendAgentError(agentID, err.Error())
		kind = EventAgentError
	} else {
		_, msg, _ = s.convs.AppendAgentReply(agentID, reply.DisplayString(cfg.ResponseFormat))
		kind = EventAgentReply
	}

	s.persistConversation(agentID)
	if msg != nil {
		s.broadcaster.Publish(&Event{Kind: kind, AgentID: agentID, Message: msg})
	}
}

// AssignFolder moves a conversation into a folder (nil clears) in memory and
// in storage.
func (s *Service) AssignFolder(ctx context.Context, agentID string, folderID *string) error {
	conv, ok := s.convs.Get(agentID)
	if !ok {
		return store.ErrNotFound
	}
	if err := s.convs.SetFolder(agentID, folderID); err != nil {
		return err
	}
	if err := s.persist.AssignFolder(ctx, conv.RecordID, folderID); err != nil {
		// Persistence is best-effort; in-memory state stays authoritative
		s.logger.Error("failed to persist folder assignment",
			"agent_id", agentID,
			"error", err)
	}
	return nil
}

// Hydrate loads persisted conversations into memory at startup
func (s *Service) Hydrate(ctx context.Context, ownerID string) error {
	records, err := s.persist.LoadConversations(ctx, ownerID)
	if err != nil {
		return err
	}
	return s.convs.Hydrate(records)
}

// persistConversation saves the current conversation state with a separate
// timeout context. Failures are logged, never propagated: the in-memory
// conversation remains the authoritative view for the session.
func (s *Service) persistConversation(agentID string) {
	rec, err := s.convs.Record(agentID)
	if err != nil {
		s.logger.Error("failed to serialize conversation", "agent_id", agentID, "error", err)
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.persist.SaveConversation(saveCtx, rec); err != nil {
		s.logger.Error("failed to persist conversation",
			"agent_id", agentID,
			"record_id", rec.ID,
			"error", err)
	} else {
		s.logger.Debug("conversation persisted", "agent_id", agentID, "record_id", rec.ID)
	}
}

// acquire claims the per-agent in-flight slot; false when already held
func (s *Service) acquire(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[agentID] {
		return false
	}
	s.pending[agentID] = true
	return true
}

// release frees the per-agent in-flight slot
func (s *Service) release(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, agentID)
}

// buildHistory snapshots the conversation's prior messages for the wire
func buildHistory(conv *Conversation) []webhook.HistoryMessage {
	history := make([]webhook.HistoryMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		history = append(history, webhook.HistoryMessage{
			ID:        m.ID,
			Author:    string(m.Author),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return history
}
