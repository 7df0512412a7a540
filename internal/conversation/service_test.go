// ABOUTME: Tests for the conversation orchestration service
// ABOUTME: Verifies two-phase sends, in-flight serialization, and error-to-message translation

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/webhook"
)

// mockDispatcher implements Dispatcher for testing
type mockDispatcher struct {
	mu      sync.Mutex
	reply   *webhook.Reply
	err     error
	block   chan struct{} // when set, Send waits until closed
	calls   int
	lastCfg webhook.Config
	lastReq webhook.Payload
}

func (m *mockDispatcher) Send(ctx context.Context, cfg webhook.Config, payload webhook.Payload) (*webhook.Reply, error) {
	m.mu.Lock()
	m.calls++
	m.lastCfg = cfg
	m.lastReq = payload
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func (m *mockDispatcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func createTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T, dispatcher Dispatcher, agents ...Agent) *Service {
	t.Helper()
	if len(agents) == 0 {
		agents = []Agent{{ID: "support", Name: "Support"}}
	}
	reg := settings.NewRegistry(webhook.Config{
		URL:            "https://hooks.example.com/default",
		ResponseFormat: webhook.FormatText,
	}, nil)
	return NewService(NewStore("owner-1", ""), createTestStore(t), dispatcher, reg, agents, nil)
}

// waitForEvent drains the subscription until an event of the wanted kind arrives
func waitForEvent(t *testing.T, events <-chan *Event, kind EventKind) *Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", kind)
		}
	}
}

func TestSend_SuccessfulExchange(t *testing.T) {
	block := make(chan struct{})
	dispatcher := &mockDispatcher{
		reply: &webhook.Reply{Kind: webhook.ReplyJSON, JSON: json.RawMessage(`{"message":"Hi there"}`)},
		block: block,
	}
	svc := newTestService(t, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	userMsg, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", userMsg.Content)
	assert.Equal(t, AuthorUser, userMsg.Author)

	// Optimistic append is visible before settlement
	conv, err := svc.EnsureConversation("support")
	require.NoError(t, err)
	assert.Equal(t, "Hello", conv.Preview)
	close(block)

	ev := waitForEvent(t, events, EventAgentReply)
	assert.Equal(t, "Hi there", ev.Message.Content)
	assert.Equal(t, AuthorAgent, ev.Message.Author)

	conv, err = svc.EnsureConversation("support")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", conv.Preview)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, "Hi there", last.Content)
}

func TestSend_NoWebhookConfigured(t *testing.T) {
	dispatcher := &mockDispatcher{}
	reg := settings.NewRegistry(webhook.Config{}, nil)
	svc := NewService(NewStore("owner-1", ""), createTestStore(t), dispatcher, reg,
		[]Agent{{ID: "support"}}, nil)

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})

	var cfgErr *webhook.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, dispatcher.callCount(), "no network attempt")

	// Nothing was appended and nothing is in flight
	assert.False(t, svc.InFlight("support"))
	_, ok := svc.convs.Get("support")
	assert.False(t, ok)
}

func TestSend_AgentURLOverridesDefault(t *testing.T) {
	dispatcher := &mockDispatcher{reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "ok"}}
	svc := newTestService(t, dispatcher, Agent{ID: "support", WebhookURL: "https://hooks.example.com/support"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "hi"})
	require.NoError(t, err)
	waitForEvent(t, events, EventAgentReply)

	assert.Equal(t, "https://hooks.example.com/support", dispatcher.lastCfg.URL)
}

func TestSend_DispatchFailureBecomesAgentMessage(t *testing.T) {
	dispatcher := &mockDispatcher{err: &webhook.TimeoutError{Timeout: 50 * time.Millisecond}}
	svc := newTestService(t, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	userMsg, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})
	require.NoError(t, err, "optimistic phase must succeed")

	ev := waitForEvent(t, events, EventAgentError)
	assert.Equal(t, "webhook did not respond within 50ms", ev.Message.Content)

	// The user message is not retracted
	conv, ok := svc.convs.Get("support")
	require.True(t, ok)
	var found bool
	for _, m := range conv.Messages {
		if m.ID == userMsg.ID {
			found = true
		}
	}
	assert.True(t, found, "optimistic user message remains after failure")
}

func TestSend_RemoteErrorDiagnostic(t *testing.T) {
	dispatcher := &mockDispatcher{err: &webhook.RemoteError{Status: 502, Body: "upstream down"}}
	svc := newTestService(t, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventAgentError)
	assert.Contains(t, ev.Message.Content, "502")
	assert.Contains(t, ev.Message.Content, "upstream down")
}

func TestSend_SerializedPerAgent(t *testing.T) {
	block := make(chan struct{})
	dispatcher := &mockDispatcher{
		reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "done"},
		block: block,
	}
	svc := newTestService(t, dispatcher,
		Agent{ID: "support", Name: "Support"},
		Agent{ID: "billing", Name: "Billing"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supportEvents := svc.Subscribe(ctx, "support")

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "first"})
	require.NoError(t, err)
	assert.True(t, svc.InFlight("support"))

	// Second send to the same agent is rejected while the first is pending
	_, err = svc.Send(context.Background(), "support", SendInput{Text: "second"})
	assert.ErrorIs(t, err, ErrSendInFlight)

	// A different agent is unaffected
	assert.False(t, svc.InFlight("billing"))

	close(block)
	waitForEvent(t, supportEvents, EventAgentReply)
	assert.False(t, svc.InFlight("support"))

	// After settlement the agent accepts sends again
	dispatcher.mu.Lock()
	dispatcher.block = nil
	dispatcher.mu.Unlock()
	_, err = svc.Send(context.Background(), "support", SendInput{Text: "third"})
	require.NoError(t, err)
}

func TestSend_HistoryExcludesNewMessage(t *testing.T) {
	dispatcher := &mockDispatcher{reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "ok"}}
	svc := newTestService(t, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})
	require.NoError(t, err)
	waitForEvent(t, events, EventAgentReply)

	// History carries the greeting but not the message being sent
	require.Len(t, dispatcher.lastReq.History, 1)
	assert.Equal(t, "agent", dispatcher.lastReq.History[0].Author)
	assert.Equal(t, "Hello", dispatcher.lastReq.Text)
}

// failingStore wraps a Store and fails every write
type failingStore struct {
	store.Store
}

func (f *failingStore) SaveConversation(ctx context.Context, rec *store.ConversationRecord) error {
	return errors.New("disk full")
}

func TestSend_PersistenceFailureDoesNotRollBack(t *testing.T) {
	dispatcher := &mockDispatcher{reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "reply"}}
	reg := settings.NewRegistry(webhook.Config{URL: "https://hooks.example.com"}, nil)
	svc := NewService(NewStore("owner-1", ""), &failingStore{createTestStore(t)}, dispatcher, reg,
		[]Agent{{ID: "support"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")

	_, err := svc.Send(context.Background(), "support", SendInput{Text: "Hello"})
	require.NoError(t, err, "persistence failure must not block the send")

	waitForEvent(t, events, EventAgentReply)

	conv, ok := svc.convs.Get("support")
	require.True(t, ok)
	// Greeting + user message + reply all present despite failed writes
	assert.Len(t, conv.Messages, 3)
}

func TestSend_UnknownAgent(t *testing.T) {
	svc := newTestService(t, &mockDispatcher{})
	_, err := svc.Send(context.Background(), "ghost", SendInput{Text: "hi"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestHydrate_RestoresPersistedConversations(t *testing.T) {
	persist := createTestStore(t)
	dispatcher := &mockDispatcher{reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "ok"}}
	reg := settings.NewRegistry(webhook.Config{URL: "https://hooks.example.com"}, nil)

	svc := NewService(NewStore("owner-1", ""), persist, dispatcher, reg, []Agent{{ID: "support", Name: "Support"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx, "support")
	_, err := svc.Send(context.Background(), "support", SendInput{Text: "remember me"})
	require.NoError(t, err)
	waitForEvent(t, events, EventAgentReply)

	// A fresh service over the same store sees the conversation
	svc2 := NewService(NewStore("owner-1", ""), persist, dispatcher, reg, []Agent{{ID: "support", Name: "Support"}}, nil)
	require.NoError(t, svc2.Hydrate(context.Background(), "owner-1"))

	conv, ok := svc2.convs.Get("support")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 3)
	assert.Equal(t, "ok", conv.Preview)
}

func TestAssignFolder_UpdatesMemoryAndStore(t *testing.T) {
	persist := createTestStore(t)
	dispatcher := &mockDispatcher{reply: &webhook.Reply{Kind: webhook.ReplyText, Text: "ok"}}
	reg := settings.NewRegistry(webhook.Config{URL: "https://hooks.example.com"}, nil)
	svc := NewService(NewStore("owner-1", ""), persist, dispatcher, reg, []Agent{{ID: "support"}}, nil)

	_, err := svc.EnsureConversation("support")
	require.NoError(t, err)

	folder, err := persist.CreateFolder(context.Background(), "owner-1", "Work")
	require.NoError(t, err)

	require.NoError(t, svc.AssignFolder(context.Background(), "support", &folder.ID))

	conv, _ := svc.convs.Get("support")
	require.NotNil(t, conv.FolderID)
	assert.Equal(t, folder.ID, *conv.FolderID)

	rec, err := persist.GetConversation(context.Background(), conv.RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.FolderID)
	assert.Equal(t, folder.ID, *rec.FolderID)
}
