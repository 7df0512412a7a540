// Package webhook dispatches user messages to agent endpoints.
//
// A dispatch builds a multipart request carrying the conversation id, message
// id, trimmed text, the serialized message history, and any attachments, then
// posts it to the configured URL with at most one authentication header.
// The response is classified once at the HTTP boundary into a text or JSON
// Reply; DisplayString turns either into the single string shown in the
// conversation.
//
// Failures map onto a small taxonomy: ConfigurationError (no URL, checked
// before any network attempt), TimeoutError (deadline exceeded, request
// cancelled), and RemoteError (non-success status with the decoded body).
package webhook
