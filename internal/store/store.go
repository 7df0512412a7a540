// ABOUTME: Store interface and record types for parley persistence
// ABOUTME: Two interchangeable strategies (local sqlite, remote mysql) implement the same contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateFolder is returned when creating a folder whose name already
// exists for the owner. Folder names are unique per owner, case-sensitive.
var ErrDuplicateFolder = errors.New("folder already exists")

// ConversationRecord is the storage-agnostic shape of a persisted conversation.
// MessagesJSON holds the serialized message list; the conversation layer owns
// its structure.
type ConversationRecord struct {
	ID            string
	OwnerID       string
	AgentID       string
	Title         string
	FolderID      *string
	MessagesJSON  string
	Summary       string
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// LegacyFolderLabel carries a folder name from older string-label records.
	// Saving a record with a label and no FolderID resolves the label to a
	// folder entity, creating it if needed.
	LegacyFolderLabel string
}

// Folder groups conversations under a user-defined name
type Folder struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// Store is the persistence contract shared by both strategies. All writes are
// best-effort from the caller's point of view: failures are logged upstream
// and never roll back in-memory conversation state.
type Store interface {
	// Conversations
	LoadConversations(ctx context.Context, ownerID string) ([]*ConversationRecord, error)
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	// SaveConversation upserts by (OwnerID, AgentID): first write creates,
	// later writes update, never a duplicate row for the same agent.
	SaveConversation(ctx context.Context, rec *ConversationRecord) error

	// Folders
	ListFolders(ctx context.Context, ownerID string) ([]*Folder, error)
	CreateFolder(ctx context.Context, ownerID, name string) (*Folder, error)
	// AssignFolder sets or clears (nil) a conversation's folder.
	AssignFolder(ctx context.Context, conversationID string, folderID *string) error
	// DeleteFolder removes the folder; its conversations become unassigned.
	DeleteFolder(ctx context.Context, folderID string) error

	// Close releases any resources held by the store
	Close() error
}
