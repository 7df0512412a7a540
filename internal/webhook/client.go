// ABOUTME: Webhook dispatch client: builds multipart requests and normalizes replies
// ABOUTME: Handles auth headers, timeouts, and JSON/text response parsing at the HTTP boundary

package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/attachment"
)

// DefaultTimeout bounds a dispatch when the configuration does not set one.
const DefaultTimeout = 60 * time.Second

// NoMessagePlaceholder is shown when a webhook reply normalizes to an empty string.
const NoMessagePlaceholder = "[no message returned]"

// AuthType selects which authentication header the dispatch carries.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
)

// ResponseFormat controls how JSON replies are rendered for display.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// Config is the effective dispatch configuration for one send.
// Empty credentials under a given auth type produce no header rather than an
// error; the remote service rejects unauthenticated calls itself.
type Config struct {
	URL            string
	AuthType       AuthType
	APIKey         string
	Username       string
	Password       string
	Token          string
	ResponseFormat ResponseFormat
	Timeout        time.Duration
}

// HistoryMessage is the wire shape of a prior message in the history field.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload carries everything one dispatch transmits.
type Payload struct {
	ChatID      string
	MessageID   string
	Text        string
	History     []HistoryMessage
	Attachments []*attachment.Attachment

	// Audio is the recorded clip, sent as its own named part. Non-audio
	// attachments go out as attachment_<n> parts instead.
	Audio *attachment.Attachment
}

// ReplyKind tags the parsed response type, decided once at the HTTP boundary.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyJSON
)

// Reply is the normalized webhook response.
type Reply struct {
	Kind ReplyKind
	Text string          // raw body for text replies
	JSON json.RawMessage // decoded body for JSON replies
}

// Client dispatches messages to agent webhooks.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a dispatch client with a pooled HTTP transport.
// The per-request timeout comes from each dispatch Config, not the client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "webhook"),
	}
}

// Send dispatches the payload to the configured webhook and returns the
// normalized reply. It fails with *ConfigurationError before any network
// attempt when no URL is configured, *TimeoutError when the deadline passes,
// and *RemoteError on a non-success status.
func (c *Client) Send(ctx context.Context, cfg Config, payload Payload) (*Reply, error) {
	if cfg.URL == "" {
		return nil, &ConfigurationError{AgentID: payload.ChatID}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	body, contentType, err := buildMultipartBody(payload)
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	setAuthHeader(req, cfg)

	c.logger.Debug("dispatching webhook",
		"url", cfg.URL,
		"chat_id", payload.ChatID,
		"message_id", payload.MessageID,
		"attachments", len(payload.Attachments),
		"audio", payload.Audio != nil,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}

	isJSON := responseIsJSON(resp.Header.Get("Content-Type"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Status: resp.StatusCode,
			Body:   decodeErrorBody(respBody, isJSON),
		}
	}

	if isJSON {
		return &Reply{Kind: ReplyJSON, JSON: json.RawMessage(respBody)}, nil
	}
	return &Reply{Kind: ReplyText, Text: string(respBody)}, nil
}

// DisplayString normalizes the reply into the single string shown in the
// conversation. Text replies are used verbatim. JSON replies are
// pretty-printed, except in text format where a top-level "message" field is
// preferred. An empty result becomes NoMessagePlaceholder.
func (r *Reply) DisplayString(format ResponseFormat) string {
	var out string
	switch r.Kind {
	case ReplyText:
		out = r.Text
	case ReplyJSON:
		if format == FormatText {
			var obj map[string]any
			if err := json.Unmarshal(r.JSON, &obj); err == nil {
				if msg, ok := obj["message"].(string); ok && msg != "" {
					out = msg
				}
			}
		}
		if out == "" {
			out = prettyJSON(r.JSON)
		}
	}
	if strings.TrimSpace(out) == "" {
		return NoMessagePlaceholder
	}
	return out
}

// buildMultipartBody assembles the outbound multipart form:
// chatId, messageId, trimmed message text, JSON history, one part per
// non-audio attachment, and the optional audio part plus its duration.
func buildMultipartBody(payload Payload) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("chatId", payload.ChatID); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("messageId", payload.MessageID); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("message", strings.TrimSpace(payload.Text)); err != nil {
		return nil, "", err
	}

	history := payload.History
	if history == nil {
		history = []HistoryMessage{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("serializing history: %w", err)
	}
	if err := writer.WriteField("history", string(historyJSON)); err != nil {
		return nil, "", err
	}

	for i, att := range payload.Attachments {
		if err := writeAttachmentPart(writer, fmt.Sprintf("attachment_%d", i), att.Name, att); err != nil {
			return nil, "", fmt.Errorf("attachment %q: %w", att.Name, err)
		}
	}

	if payload.Audio != nil {
		filename := fmt.Sprintf("audio-message-%d.webm", time.Now().Unix())
		if err := writeAttachmentPart(writer, "audio", filename, payload.Audio); err != nil {
			return nil, "", fmt.Errorf("audio clip: %w", err)
		}
		if payload.Audio.DurationSeconds != nil {
			dur := strconv.FormatFloat(*payload.Audio.DurationSeconds, 'f', -1, 64)
			if err := writer.WriteField("audioDurationSeconds", dur); err != nil {
				return nil, "", err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// writeAttachmentPart adds one file part, recovering the raw bytes from the
// attachment's embedded data URI and preserving its mime type.
func writeAttachmentPart(writer *multipart.Writer, field, filename string, att *attachment.Attachment) error {
	_, data, err := attachment.DecodeDataURI(att.TransportURL)
	if err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", att.MimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// setAuthHeader adds exactly one authentication header set based on the
// configured mode. Missing credentials under a mode mean no header.
func setAuthHeader(req *http.Request, cfg Config) {
	switch cfg.AuthType {
	case AuthAPIKey:
		if cfg.APIKey != "" {
			req.Header.Set("x-api-key", cfg.APIKey)
		}
	case AuthBasic:
		if cfg.Username != "" || cfg.Password != "" {
			creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
			req.Header.Set("Authorization", "Basic "+creds)
		}
	case AuthOAuth:
		if cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Token)
		}
	}
}

// responseIsJSON checks whether a Content-Type header indicates a JSON body
func responseIsJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// decodeErrorBody renders a non-success body for display: pretty-printed
// when it is valid JSON, raw text otherwise.
func decodeErrorBody(body []byte, isJSON bool) string {
	if isJSON {
		if pretty := prettyJSON(body); pretty != "" {
			return pretty
		}
	}
	return string(body)
}

// prettyJSON re-indents a raw JSON value; returns "" if the input is not valid JSON
// prettyJSON indents raw for display. A body that claims to be JSON but does
// not parse is still the agent's reply; it falls through verbatim.
func prettyJSON(raw []byte) string {
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
