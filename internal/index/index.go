// ABOUTME: Pure read-only indexing over in-memory conversations
// ABOUTME: Provides keyword filtering of messages and folder grouping

package index

import (
	"strings"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/store"
)

// Unassigned is the grouping key for conversations without a folder.
const Unassigned = "unassigned"

// FilterMessages returns the messages whose content contains query,
// case-insensitively. An empty query returns the conversation's message slice
// unchanged.
func FilterMessages(conv *conversation.Conversation, query string) []*conversation.Message {
	if conv == nil {
		return nil
	}
	if query == "" {
		return conv.Messages
	}

	needle := strings.ToLower(query)
	var matched []*conversation.Message
	for _, msg := range conv.Messages {
		if strings.Contains(strings.ToLower(msg.Content), needle) {
			matched = append(matched, msg)
		}
	}
	return matched
}

// GroupByFolder buckets conversations by folder ID. Every known folder gets a
// key even when it holds no conversations; conversations without a folder land
// under Unassigned. A folder ID seen only on a conversation (for example one
// hydrated from an older snapshot) still gets its own bucket.
func GroupByFolder(convs []*conversation.Conversation, folders []*store.Folder) map[string][]*conversation.Conversation {
	groups := make(map[string][]*conversation.Conversation, len(folders)+1)
	groups[Unassigned] = nil
	for _, f := range folders {
		groups[f.ID] = nil
	}

	for _, conv := range convs {
		key := Unassigned
		if conv.FolderID != nil && *conv.FolderID != "" {
			key = *conv.FolderID
		}
		groups[key] = append(groups[key], conv)
	}
	return groups
}
