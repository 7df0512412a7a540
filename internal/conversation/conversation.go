// ABOUTME: In-memory conversation state: one conversation per agent, append-only messages
// ABOUTME: Owns greeting seeding, preview computation, and serialization to persistence records

package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/attachment"
	"github.com/parleyhq/parley/internal/store"
)

// previewLimit is the maximum preview length; longer content is cut to 137
// characters plus an ellipsis.
const previewLimit = 140

// defaultGreeting seeds every new conversation
const defaultGreeting = "Hello, how can I help you today?"

// Author identifies who wrote a message
type Author string

const (
	AuthorUser  Author = "user"
	AuthorAgent Author = "agent"
)

// Agent is a named remote endpoint the user converses with. Configured
// externally; the core only reads it.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Avatar      string   `json:"avatar"`
	Tools       []string `json:"tools"`
	WebhookURL  string   `json:"webhookUrl"`
}

// Message is one entry in a conversation. Immutable once created.
type Message struct {
	ID          string                   `json:"id"`
	Author      Author                   `json:"author"`
	Content     string                   `json:"content"`
	Timestamp   time.Time                `json:"timestamp"`
	Attachments []*attachment.Attachment `json:"attachments,omitempty"`
}

// Conversation is the ordered message history for exactly one agent.
// ID equals the agent id; RecordID is the persistence row id.
type Conversation struct {
	ID          string     `json:"id"`
	RecordID    string     `json:"-"`
	OwnerID     string     `json:"ownerId"`
	Name        string     `json:"name"`
	FolderID    *string    `json:"folderId,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Preview     string     `json:"preview"`
	Messages    []*Message `json:"messages"`
}

// Store holds the per-agent conversation map. All mutations take the lock,
// and every read returns a snapshot copied under the lock: a *Conversation
// handed out by the store never aliases live state, so callers may walk its
// Messages while appends continue. Operations addressed to one agent never
// touch another's conversation.
type Store struct {
	mu        sync.RWMutex
	ownerID   string
	ownerName string
	convs     map[string]*Conversation
}

// NewStore creates an empty conversation store for one owner.
// ownerName, when known, personalizes the greeting of new conversations.
func NewStore(ownerID, ownerName string) *Store {
	return &Store{
		ownerID:   ownerID,
		ownerName: ownerName,
		convs:     make(map[string]*Conversation),
	}
}

// Ensure returns a snapshot of the conversation for the agent, creating it on
// first access. New conversations are seeded with a single agent-authored
// greeting. Idempotent: a second call never creates a duplicate conversation
// or greeting.
func (s *Store) Ensure(agent Agent) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[agent.ID]; ok {
		return snapshot(conv)
	}

	greeting := defaultGreeting
	if s.ownerName != "" {
		greeting = fmt.Sprintf("Hello %s, how can I help you today?", s.ownerName)
	}

	now := time.Now()
	conv := &Conversation{
		ID:          agent.ID,
		RecordID:    uuid.New().String(),
		OwnerID:     s.ownerID,
		Name:        agent.Name,
		LastUpdated: now,
		Preview:     Preview(greeting),
		Messages: []*Message{{
			ID:        uuid.New().String(),
			Author:    AuthorAgent,
			Content:   greeting,
			Timestamp: now,
		}},
	}
	s.convs[agent.ID] = conv
	return snapshot(conv)
}

// Get returns a snapshot of the conversation for an agent if it exists
func (s *Store) Get(agentID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[agentID]
	if !ok {
		return nil, false
	}
	return snapshot(conv), true
}

// All returns a snapshot of every conversation in the store
func (s *Store) All() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, snapshot(c))
	}
	return convs
}

// snapshot copies a conversation for lock-free reading by callers. Messages
// are immutable once appended, so sharing the element pointers is safe; the
// slice header and scalar fields are what appends mutate and must be copied.
func snapshot(conv *Conversation) *Conversation {
	cp := *conv
	cp.Messages = make([]*Message, len(conv.Messages))
	copy(cp.Messages, conv.Messages)
	return &cp
}

// AppendUserMessage appends a user-authored message built from trimmed text
// and any attachments. Empty text falls back to a descriptive label based on
// the attachment kind. Returns a snapshot of the conversation and the new
// message.
func (s *Store) AppendUserMessage(agentID, text string, attachments []*attachment.Attachment) (*Conversation, *Message, error) {
	content := strings.TrimSpace(text)
	if content == "" && len(attachments) > 0 {
		content = attachment.Describe(attachments[0].Kind)
	}

	msg := &Message{
		ID:          uuid.New().String(),
		Author:      AuthorUser,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}

	conv, err := s.append(agentID, msg)
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

// AppendAgentReply appends an agent-authored message carrying a successful reply
func (s *Store) AppendAgentReply(agentID, text string) (*Conversation, *Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Author:    AuthorAgent,
		Content:   text,
		Timestamp: time.Now(),
	}
	conv, err := s.append(agentID, msg)
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

// AppendAgentError appends an agent-authored message carrying a dispatch
// failure diagnostic. Failed exchanges stay in the history like successful ones.
func (s *Store) AppendAgentError(agentID, errorMessage string) (*Conversation, *Message, error) {
	return s.AppendAgentReply(agentID, errorMessage)
}

// append adds a message and refreshes the conversation metadata. Returns a
// snapshot of the updated conversation.
func (s *Store) append(agentID string, msg *Message) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastUpdated = msg.Timestamp
	conv.Preview = Preview(previewSource(msg))
	return snapshot(conv), nil
}

// previewSource picks the most salient content for the conversation preview:
// the message text when present, otherwise the first attachment's name.
func previewSource(msg *Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.Attachments) > 0 && msg.Attachments[0].Name != "" {
		return msg.Attachments[0].Name
	}
	return ""
}

// Preview truncates s for display: content over 140 characters becomes the
// first 137 runes followed by an ellipsis (total length 138).
func Preview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit-3]) + "…"
}

// Hydrate loads persisted records into the store, replacing any existing
// state for their agents. Records that fail to decode are skipped.
func (s *Store) Hydrate(records []*store.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, rec := range records {
		var messages []*Message
		if err := json.Unmarshal([]byte(rec.MessagesJSON), &messages); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decoding messages for agent %q: %w", rec.AgentID, err)
			}
			continue
		}

		s.convs[rec.AgentID] = &Conversation{
			ID:          rec.AgentID,
			RecordID:    rec.ID,
			OwnerID:     rec.OwnerID,
			Name:        rec.Title,
			FolderID:    rec.FolderID,
			LastUpdated: rec.LastMessageAt,
			Preview:     rec.Summary,
			Messages:    messages,
		}
	}
	return firstErr
}

// Record serializes a conversation into its persistence shape
func (s *Store) Record(agentID string) (*store.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}

	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	return &store.ConversationRecord{
		ID:            conv.RecordID,
		OwnerID:       conv.OwnerID,
		AgentID:       conv.ID,
		Title:         conv.Name,
		FolderID:      conv.FolderID,
		MessagesJSON:  string(messagesJSON),
		Summary:       conv.Preview,
		LastMessageAt: conv.LastUpdated,
	}, nil
}

// SetFolder updates the conversation's folder assignment in memory
func (s *Store) SetFolder(agentID string, folderID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[agentID]
	if !ok {
		return store.ErrNotFound
	}
	conv.FolderID = folderID
	return nil
}
