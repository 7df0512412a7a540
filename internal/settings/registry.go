// ABOUTME: Webhook dispatch settings with global defaults and per-agent overrides
// ABOUTME: Changes reach interested components through a typed subscription, not a global event bus

package settings

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/webhook"
)

// updateBufferSize is the channel buffer for each subscriber
const updateBufferSize = 16

// Update is delivered to subscribers when dispatch settings change.
// AgentID is empty when the global default changed.
type Update struct {
	AgentID  string
	Settings webhook.Config
}

// Registry holds the effective dispatch configuration: one global default and
// optional per-agent overrides. Reads merge the override over the default
// field by field.
type Registry struct {
	mu        sync.RWMutex
	global    webhook.Config
	overrides map[string]webhook.Config
	subs      map[string]chan Update
	logger    *slog.Logger
}

// NewRegistry creates a registry seeded with the global default settings.
// Pass nil logger for default.
func NewRegistry(global webhook.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		global:    global,
		overrides: make(map[string]webhook.Config),
		subs:      make(map[string]chan Update),
		logger:    logger.With("component", "settings"),
	}
}

// Effective returns the dispatch configuration for the given agent: the
// per-agent override merged over the global default. Override fields that are
// set win; setting an auth type takes that mode's credentials wholesale from
// the override.
func (r *Registry) Effective(agentID string) webhook.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := r.global
	ov, ok := r.overrides[agentID]
	if !ok {
		return cfg
	}

	if ov.URL != "" {
		cfg.URL = ov.URL
	}
	if ov.AuthType != "" {
		cfg.AuthType = ov.AuthType
		cfg.APIKey = ov.APIKey
		cfg.Username = ov.Username
		cfg.Password = ov.Password
		cfg.Token = ov.Token
	}
	if ov.ResponseFormat != "" {
		cfg.ResponseFormat = ov.ResponseFormat
	}
	if ov.Timeout > 0 {
		cfg.Timeout = ov.Timeout
	}
	return cfg
}

// Global returns the current global default settings
func (r *Registry) Global() webhook.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// SetGlobal replaces the global default and notifies subscribers
func (r *Registry) SetGlobal(cfg webhook.Config) {
	r.mu.Lock()
	r.global = cfg
	r.mu.Unlock()

	r.logger.Info("global webhook settings updated", "url_set", cfg.URL != "", "auth_type", cfg.AuthType)
	r.notify(Update{Settings: cfg})
}

// SetOverride installs or replaces the override for one agent and notifies
// subscribers with the agent's new effective settings.
func (r *Registry) SetOverride(agentID string, cfg webhook.Config) {
	r.mu.Lock()
	r.overrides[agentID] = cfg
	r.mu.Unlock()

	r.logger.Info("agent webhook override updated", "agent_id", agentID)
	r.notify(Update{AgentID: agentID, Settings: r.Effective(agentID)})
}

// DeleteOverride removes an agent's override, reverting it to the global default
func (r *Registry) DeleteOverride(agentID string) {
	r.mu.Lock()
	delete(r.overrides, agentID)
	r.mu.Unlock()

	r.logger.Info("agent webhook override removed", "agent_id", agentID)
	r.notify(Update{AgentID: agentID, Settings: r.Effective(agentID)})
}

// Subscribe registers for settings updates. The subscription is cleaned up
// when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) <-chan Update {
	subID := uuid.New().String()
	ch := make(chan Update, updateBufferSize)

	r.mu.Lock()
	r.subs[subID] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(subID)
	}()

	return ch
}

// notify delivers an update to all subscribers.
// Non-blocking: updates are dropped for subscribers whose channels are full.
func (r *Registry) notify(u Update) {
	r.mu.RLock()
	targets := make([]chan Update, 0, len(r.subs))
	for _, ch := range r.subs {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- u:
		default:
			r.logger.Debug("dropped settings update for slow subscriber", "agent_id", u.AgentID)
		}
	}
}

func (r *Registry) unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[subID]; ok {
		delete(r.subs, subID)
		close(ch)
	}
}
