// ABOUTME: Contract tests shared by both Store implementations
// ABOUTME: Both strategies must satisfy the same upsert, folder, and migration semantics

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the Store interface semantics both
// implementations must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveConversation upserts by owner and agent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := &ConversationRecord{
			OwnerID:      "owner-1",
			AgentID:      "support",
			Title:        "Support",
			MessagesJSON: `[]`,
			Summary:      "Hello",
		}
		require.NoError(t, s.SaveConversation(ctx, rec))
		firstID := rec.ID
		require.NotEmpty(t, firstID)

		// Second save for the same (owner, agent) must update, not duplicate
		rec2 := &ConversationRecord{
			ID:           firstID,
			OwnerID:      "owner-1",
			AgentID:      "support",
			Title:        "Support",
			MessagesJSON: `[{"id":"m1"}]`,
			Summary:      "Hi there",
		}
		require.NoError(t, s.SaveConversation(ctx, rec2))

		records, err := s.LoadConversations(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "Hi there", records[0].Summary)
		assert.Equal(t, `[{"id":"m1"}]`, records[0].MessagesJSON)
	})

	t.Run("LoadConversations scoped to owner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveConversation(ctx, &ConversationRecord{OwnerID: "o1", AgentID: "a", MessagesJSON: "[]"}))
		require.NoError(t, s.SaveConversation(ctx, &ConversationRecord{OwnerID: "o2", AgentID: "a", MessagesJSON: "[]"}))

		records, err := s.LoadConversations(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "o1", records[0].OwnerID)
	})

	t.Run("GetConversation returns ErrNotFound for missing id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetConversation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("folder names unique per owner case-sensitive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateFolder(ctx, "owner-1", "Work")
		require.NoError(t, err)

		_, err = s.CreateFolder(ctx, "owner-1", "Work")
		assert.ErrorIs(t, err, ErrDuplicateFolder)

		// Different case is a different folder
		_, err = s.CreateFolder(ctx, "owner-1", "work")
		require.NoError(t, err)

		// Same name under another owner is fine
		_, err = s.CreateFolder(ctx, "owner-2", "Work")
		require.NoError(t, err)
	})

	t.Run("assign and clear folder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		folder, err := s.CreateFolder(ctx, "owner-1", "Projects")
		require.NoError(t, err)

		rec := &ConversationRecord{OwnerID: "owner-1", AgentID: "support", MessagesJSON: "[]"}
		require.NoError(t, s.SaveConversation(ctx, rec))

		require.NoError(t, s.AssignFolder(ctx, rec.ID, &folder.ID))
		got, err := s.GetConversation(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.FolderID)
		assert.Equal(t, folder.ID, *got.FolderID)

		require.NoError(t, s.AssignFolder(ctx, rec.ID, nil))
		got, err = s.GetConversation(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, got.FolderID)
	})

	t.Run("assign folder to missing conversation", func(t *testing.T) {
		s := newStore(t)
		err := s.AssignFolder(context.Background(), "missing", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("deleting folder unassigns conversations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		folder, err := s.CreateFolder(ctx, "owner-1", "Archive")
		require.NoError(t, err)

		rec := &ConversationRecord{OwnerID: "owner-1", AgentID: "support", FolderID: &folder.ID, MessagesJSON: "[]"}
		require.NoError(t, s.SaveConversation(ctx, rec))

		require.NoError(t, s.DeleteFolder(ctx, folder.ID))

		got, err := s.GetConversation(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, got.FolderID)

		folders, err := s.ListFolders(ctx, "owner-1")
		require.NoError(t, err)
		assert.Empty(t, folders)

		assert.ErrorIs(t, s.DeleteFolder(ctx, folder.ID), ErrNotFound)
	})

	t.Run("legacy folder label migrates to folder entity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := &ConversationRecord{
			OwnerID:           "owner-1",
			AgentID:           "support",
			MessagesJSON:      "[]",
			LegacyFolderLabel: "Imported",
		}
		require.NoError(t, s.SaveConversation(ctx, rec))
		require.NotNil(t, rec.FolderID)
		assert.Empty(t, rec.LegacyFolderLabel)

		folders, err := s.ListFolders(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.Equal(t, "Imported", folders[0].Name)
		assert.Equal(t, folders[0].ID, *rec.FolderID)

		// A second record with the same label reuses the folder
		rec2 := &ConversationRecord{
			OwnerID:           "owner-1",
			AgentID:           "billing",
			MessagesJSON:      "[]",
			LegacyFolderLabel: "Imported",
		}
		require.NoError(t, s.SaveConversation(ctx, rec2))
		assert.Equal(t, *rec.FolderID, *rec2.FolderID)
	})

	t.Run("last message timestamp round-trips", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		last := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		rec := &ConversationRecord{OwnerID: "o", AgentID: "a", MessagesJSON: "[]", LastMessageAt: last}
		require.NoError(t, s.SaveConversation(ctx, rec))

		got, err := s.GetConversation(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.LastMessageAt.Equal(last), "got %v want %v", got.LastMessageAt, last)
	})
}
