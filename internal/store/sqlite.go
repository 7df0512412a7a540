// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Local-only persistence with automatic schema creation and WAL mode

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked during writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, name)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			folder_id TEXT REFERENCES folders(id) ON DELETE SET NULL,
			messages TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			last_message_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(owner_id, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id);
		CREATE INDEX IF NOT EXISTS idx_folders_owner ON folders(owner_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveConversation upserts a conversation record by (owner_id, agent_id).
// A legacy folder label on the record is resolved to a folder entity first.
func (s *SQLiteStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if rec.FolderID == nil && rec.LegacyFolderLabel != "" {
		folder, err := s.getOrCreateFolder(ctx, rec.OwnerID, rec.LegacyFolderLabel)
		if err != nil {
			return fmt.Errorf("migrating legacy folder label %q: %w", rec.LegacyFolderLabel, err)
		}
		rec.FolderID = &folder.ID
		rec.LegacyFolderLabel = ""
	}

	query := `
		INSERT INTO conversations (id, owner_id, agent_id, title, folder_id, messages, summary, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, agent_id) DO UPDATE SET
			title = excluded.title,
			folder_id = excluded.folder_id,
			messages = excluded.messages,
			summary = excluded.summary,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.AgentID,
		rec.Title,
		nullablePtr(rec.FolderID),
		rec.MessagesJSON,
		rec.Summary,
		nullableTime(rec.LastMessageAt),
		rec.CreatedAt.Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	s.logger.Debug("conversation saved", "id", rec.ID, "owner_id", rec.OwnerID, "agent_id", rec.AgentID)
	return nil
}

// GetConversation retrieves one conversation by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, title, folder_id, messages, summary, last_message_at, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)

	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return rec, nil
}

// LoadConversations returns all conversations for an owner, most recent first
func (s *SQLiteStore) LoadConversations(ctx context.Context, ownerID string) ([]*ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, title, folder_id, messages, summary, last_message_at, created_at, updated_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var records []*ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateFolder creates a folder with a unique name per owner.
// Returns ErrDuplicateFolder on an exact (case-sensitive) name collision.
func (s *SQLiteStore) CreateFolder(ctx context.Context, ownerID, name string) (*Folder, error) {
	folder := &Folder{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, owner_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`, folder.ID, folder.OwnerID, folder.Name, folder.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateFolder
		}
		return nil, fmt.Errorf("inserting folder: %w", err)
	}

	s.logger.Debug("folder created", "id", folder.ID, "owner_id", ownerID, "name", name)
	return folder, nil
}

// ListFolders returns an owner's folders ordered by name
func (s *SQLiteStore) ListFolders(ctx context.Context, ownerID string) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM folders
		WHERE owner_id = ?
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		var f Folder
		var createdAt string
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning folder: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		folders = append(folders, &f)
	}
	return folders, rows.Err()
}

// AssignFolder sets or clears a conversation's folder.
// Returns ErrNotFound when the conversation doesn't exist.
func (s *SQLiteStore) AssignFolder(ctx context.Context, conversationID string, folderID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET folder_id = ?, updated_at = ? WHERE id = ?
	`, nullablePtr(folderID), time.Now().UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return fmt.Errorf("assigning folder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking assignment: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFolder removes a folder; its conversations revert to unassigned.
// Returns ErrNotFound when the folder doesn't exist.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, folderID string) error {
	// Explicit unassign first so behavior matches stores without FK support
	if _, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET folder_id = NULL WHERE folder_id = ?
	`, folderID); err != nil {
		return fmt.Errorf("unassigning conversations: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, folderID)
	if err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deletion: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("folder deleted", "id", folderID)
	return nil
}

// getOrCreateFolder resolves a folder by name, creating it if missing
func (s *SQLiteStore) getOrCreateFolder(ctx context.Context, ownerID, name string) (*Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at FROM folders WHERE owner_id = ? AND name = ?
	`, ownerID, name)

	var f Folder
	var createdAt string
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &createdAt)
	if err == nil {
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		return &f, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	folder, err := s.CreateFolder(ctx, ownerID, name)
	if err == ErrDuplicateFolder {
		// Lost a race to another writer; the folder exists now
		return s.getOrCreateFolder(ctx, ownerID, name)
	}
	return folder, err
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*ConversationRecord, error) {
	var rec ConversationRecord
	var folderID sql.NullString
	var lastMessageAt sql.NullString
	var createdAt, updatedAt string

	if err := sc.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.AgentID,
		&rec.Title,
		&folderID,
		&rec.MessagesJSON,
		&rec.Summary,
		&lastMessageAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if folderID.Valid {
		rec.FolderID = &folderID.String
	}
	if lastMessageAt.Valid {
		rec.LastMessageAt, _ = time.Parse(time.RFC3339, lastMessageAt.String)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// isConstraintViolation checks whether an error is a UNIQUE constraint failure
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
