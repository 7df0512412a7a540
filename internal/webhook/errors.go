// ABOUTME: Error taxonomy for webhook dispatch
// ABOUTME: Configuration, timeout, and remote errors carry enough detail for display

package webhook

import (
	"fmt"
	"time"
)

// ConfigurationError indicates no webhook URL is configured for the dispatch.
// It is raised before any network attempt; the user has to fix settings.
type ConfigurationError struct {
	AgentID string
}

func (e *ConfigurationError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("no webhook URL configured for agent %q", e.AgentID)
	}
	return "no webhook URL configured"
}

// TimeoutError indicates the webhook did not respond within the deadline.
// The in-flight request was cancelled.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("webhook did not respond within %s", e.Timeout)
}

// RemoteError indicates the webhook answered with a non-success status.
// Body holds the best-effort decoded error body: the decoded JSON value
// rendered back to a string when the content type was JSON, raw text otherwise.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.Status)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.Status, e.Body)
}
