// ABOUTME: Remote implementation of the Store interface backed by MySQL via GORM
// ABOUTME: Same contract as the local sqlite store, selected by explicit configuration

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// RemoteStore implements the Store interface against a remote SQL server
type RemoteStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// conversationModel is the GORM mapping for conversation records
type conversationModel struct {
	ID            string  `gorm:"primaryKey;size:36"`
	OwnerID       string  `gorm:"size:64;uniqueIndex:idx_owner_agent;index"`
	AgentID       string  `gorm:"size:64;uniqueIndex:idx_owner_agent"`
	Title         string  `gorm:"size:255"`
	FolderID      *string `gorm:"size:36;index"`
	Messages      string  `gorm:"type:longtext"`
	Summary       string  `gorm:"size:512"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (conversationModel) TableName() string { return "conversations" }

// folderModel is the GORM mapping for folders
type folderModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:64;uniqueIndex:idx_owner_name;index"`
	Name      string `gorm:"size:255;uniqueIndex:idx_owner_name"`
	CreatedAt time.Time
}

func (folderModel) TableName() string { return "folders" }

// NewRemoteStore connects to a MySQL-compatible server and migrates the schema.
// The DSN should include parseTime=true.
func NewRemoteStore(dsn string, logger *slog.Logger) (*RemoteStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect remote: %w", err)
	}
	return newRemoteStore(db, logger)
}

// newRemoteStore wraps an open GORM handle; split out so tests can inject
// another dialector.
func newRemoteStore(db *gorm.DB, logger *slog.Logger) (*RemoteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := db.AutoMigrate(&folderModel{}, &conversationModel{}); err != nil {
		return nil, fmt.Errorf("store: migrate remote schema: %w", err)
	}

	// MySQL's default utf8mb4 collation is case-insensitive, which would make
	// both the duplicate pre-check and the (owner_id, name) unique index treat
	// "work" and "Work" as the same folder. Folder names are an exact match,
	// so the column gets a binary collation. Other dialectors (the sqlite used
	// in tests) compare bytes already.
	if db.Dialector.Name() == "mysql" {
		if err := db.Exec("ALTER TABLE folders MODIFY name VARCHAR(255) COLLATE utf8mb4_bin").Error; err != nil {
			return nil, fmt.Errorf("store: set folder name collation: %w", err)
		}
	}

	s := &RemoteStore{
		db:     db,
		logger: logger.With("component", "store", "driver", "mysql"),
	}
	s.logger.Info("remote store initialized")
	return s, nil
}

// Close closes the underlying connection pool
func (s *RemoteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveConversation upserts a conversation record by (owner_id, agent_id).
// A legacy folder label on the record is resolved to a folder entity first.
func (s *RemoteStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
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

	model := toConversationModel(rec)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "folder_id", "messages", "summary", "last_message_at", "updated_at",
		}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	s.logger.Debug("conversation saved", "id", rec.ID, "owner_id", rec.OwnerID, "agent_id", rec.AgentID)
	return nil
}

// GetConversation retrieves one conversation by id.
// Returns ErrNotFound if it doesn't exist.
func (s *RemoteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	var model conversationModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return fromConversationModel(&model), nil
}

// LoadConversations returns all conversations for an owner, most recent first
func (s *RemoteStore) LoadConversations(ctx context.Context, ownerID string) ([]*ConversationRecord, error) {
	var models []conversationModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	records := make([]*ConversationRecord, 0, len(models))
	for i := range models {
		records = append(records, fromConversationModel(&models[i]))
	}
	return records, nil
}

// CreateFolder creates a folder with a unique name per owner.
// Returns ErrDuplicateFolder on an exact (case-sensitive) name collision.
func (s *RemoteStore) CreateFolder(ctx context.Context, ownerID, name string) (*Folder, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&folderModel{}).
		Where("owner_id = ? AND name = ?", ownerID, name).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("checking folder name: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateFolder
	}

	model := &folderModel{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateFolder
		}
		return nil, fmt.Errorf("inserting folder: %w", err)
	}

	s.logger.Debug("folder created", "id", model.ID, "owner_id", ownerID, "name", name)
	return &Folder{ID: model.ID, OwnerID: model.OwnerID, Name: model.Name, CreatedAt: model.CreatedAt}, nil
}

// ListFolders returns an owner's folders ordered by name
func (s *RemoteStore) ListFolders(ctx context.Context, ownerID string) ([]*Folder, error) {
	var models []folderModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("name").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}

	folders := make([]*Folder, 0, len(models))
	for _, m := range models {
		folders = append(folders, &Folder{ID: m.ID, OwnerID: m.OwnerID, Name: m.Name, CreatedAt: m.CreatedAt})
	}
	return folders, nil
}

// AssignFolder sets or clears a conversation's folder.
// Returns ErrNotFound when the conversation doesn't exist.
func (s *RemoteStore) AssignFolder(ctx context.Context, conversationID string, folderID *string) error {
	res := s.db.WithContext(ctx).Model(&conversationModel{}).
		Where("id = ?", conversationID).
		Update("folder_id", folderID)
	if res.Error != nil {
		return fmt.Errorf("assigning folder: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFolder removes a folder; its conversations revert to unassigned.
// Returns ErrNotFound when the folder doesn't exist.
func (s *RemoteStore) DeleteFolder(ctx context.Context, folderID string) error {
	if err := s.db.WithContext(ctx).Model(&conversationModel{}).
		Where("folder_id = ?", folderID).
		Update("folder_id", nil).Error; err != nil {
		return fmt.Errorf("unassigning conversations: %w", err)
	}

	res := s.db.WithContext(ctx).Delete(&folderModel{}, "id = ?", folderID)
	if res.Error != nil {
		return fmt.Errorf("deleting folder: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("folder deleted", "id", folderID)
	return nil
}

// getOrCreateFolder resolves a folder by name, creating it if missing
func (s *RemoteStore) getOrCreateFolder(ctx context.Context, ownerID, name string) (*Folder, error) {
	var model folderModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND name = ?", ownerID, name).
		First(&model).Error
	if err == nil {
		return &Folder{ID: model.ID, OwnerID: model.OwnerID, Name: model.Name, CreatedAt: model.CreatedAt}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	folder, err := s.CreateFolder(ctx, ownerID, name)
	if errors.Is(err, ErrDuplicateFolder) {
		return s.getOrCreateFolder(ctx, ownerID, name)
	}
	return folder, err
}

func toConversationModel(rec *ConversationRecord) *conversationModel {
	m := &conversationModel{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		AgentID:   rec.AgentID,
		Title:     rec.Title,
		FolderID:  rec.FolderID,
		Messages:  rec.MessagesJSON,
		Summary:   rec.Summary,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if !rec.LastMessageAt.IsZero() {
		last := rec.LastMessageAt
		m.LastMessageAt = &last
	}
	return m
}

func fromConversationModel(m *conversationModel) *ConversationRecord {
	rec := &ConversationRecord{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		AgentID:      m.AgentID,
		Title:        m.Title,
		FolderID:     m.FolderID,
		MessagesJSON: m.Messages,
		Summary:      m.Summary,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.LastMessageAt != nil {
		rec.LastMessageAt = *m.LastMessageAt
	}
	return rec
}
