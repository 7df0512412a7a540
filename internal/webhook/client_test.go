// ABOUTME: Tests for the webhook dispatch client
// ABOUTME: Verifies multipart encoding, auth headers, timeouts, and reply normalization

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/attachment"
)

func testAttachment(t *testing.T, name, mime string, data []byte, kind attachment.Kind, dur *float64) *attachment.Attachment {
	t.Helper()
	att, err := attachment.Encode(attachment.Blob{
		Name:            name,
		DeclaredType:    mime,
		Data:            data,
		Kind:            kind,
		DurationSeconds: dur,
	})
	require.NoError(t, err)
	return att
}

func TestSend_NoURLFailsFast(t *testing.T) {
	client := NewClient(nil)

	_, err := client.Send(context.Background(), Config{}, Payload{ChatID: "support"})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "support", cfgErr.AgentID)
}

func TestSend_MultipartFields(t *testing.T) {
	var (
		gotChatID    string
		gotMessageID string
		gotMessage   string
		gotHistory   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		gotChatID = r.FormValue("chatId")
		gotMessageID = r.FormValue("messageId")
		gotMessage = r.FormValue("message")
		gotHistory = r.FormValue("history")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(nil)
	reply, err := client.Send(context.Background(), Config{URL: srv.URL}, Payload{
		ChatID:    "support",
		MessageID: "msg-1",
		Text:      "  Hello there  ",
		History: []HistoryMessage{
			{ID: "m0", Author: "agent", Content: "Hi", Timestamp: time.Now()},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "support", gotChatID)
	assert.Equal(t, "msg-1", gotMessageID)
	assert.Equal(t, "Hello there", gotMessage)

	var history []HistoryMessage
	require.NoError(t, json.Unmarshal([]byte(gotHistory), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "Hi", history[0].Content)

	assert.Equal(t, ReplyText, reply.Kind)
	assert.Equal(t, "ok", reply.Text)
}

func TestSend_AttachmentAndAudioParts(t *testing.T) {
	type partInfo struct {
		filename string
		mime     string
		size     int
	}
	parts := map[string]partInfo{}
	var gotDuration string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		gotDuration = r.FormValue("audioDurationSeconds")
		for field, headers := range r.MultipartForm.File {
			fh := headers[0]
			f, err := fh.Open()
			require.NoError(t, err)
			buf, err := io.ReadAll(f)
			require.NoError(t, err)
			f.Close()
			parts[field] = partInfo{
				filename: fh.Filename,
				mime:     fh.Header.Get("Content-Type"),
				size:     len(buf),
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("received"))
	}))
	defer srv.Close()

	dur := 3.5
	fileAtt := testAttachment(t, "notes.txt", "text/plain", []byte("some notes"), attachment.KindFile, nil)
	audioAtt := testAttachment(t, "clip", "audio/webm", []byte{0x1a, 0x45, 0xdf, 0xa3}, attachment.KindAudio, &dur)

	client := NewClient(nil)
	_, err := client.Send(context.Background(), Config{URL: srv.URL}, Payload{
		ChatID:      "support",
		MessageID:   "msg-2",
		Attachments: []*attachment.Attachment{fileAtt},
		Audio:       audioAtt,
	})
	require.NoError(t, err)

	require.Contains(t, parts, "attachment_0")
	assert.Equal(t, "notes.txt", parts["attachment_0"].filename)
	assert.Equal(t, "text/plain", parts["attachment_0"].mime)
	assert.Equal(t, len("some notes"), parts["attachment_0"].size)

	require.Contains(t, parts, "audio")
	assert.Regexp(t, `^audio-message-\d+\.webm$`, parts["audio"].filename)
	assert.Equal(t, "audio/webm", parts["audio"].mime)
	assert.Equal(t, "3.5", gotDuration)
}

func TestSend_AuthHeaders(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantHeader string
		wantValue  string
		wantAbsent []string
	}{
		{
			name:       "api key",
			cfg:        Config{AuthType: AuthAPIKey, APIKey: "k123"},
			wantHeader: "x-api-key",
			wantValue:  "k123",
			wantAbsent: []string{"Authorization"},
		},
		{
			name:       "basic",
			cfg:        Config{AuthType: AuthBasic, Username: "ada", Password: "pw"},
			wantHeader: "Authorization",
			wantValue:  "Basic YWRhOnB3", // base64("ada:pw")
			wantAbsent: []string{"x-api-key"},
		},
		{
			name:       "oauth",
			cfg:        Config{AuthType: AuthOAuth, Token: "tok"},
			wantHeader: "Authorization",
			wantValue:  "Bearer tok",
			wantAbsent: []string{"x-api-key"},
		},
		{
			name:       "none",
			cfg:        Config{AuthType: AuthNone},
			wantAbsent: []string{"Authorization", "x-api-key"},
		},
		{
			name:       "api key mode without key sends nothing",
			cfg:        Config{AuthType: AuthAPIKey},
			wantAbsent: []string{"Authorization", "x-api-key"},
		},
		{
			name:       "oauth mode without token sends nothing",
			cfg:        Config{AuthType: AuthOAuth},
			wantAbsent: []string{"Authorization", "x-api-key"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers http.Header
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				headers = r.Header.Clone()
				w.Header().Set("Content-Type", "text/plain")
				w.Write([]byte("ok"))
			}))
			defer srv.Close()

			cfg := tt.cfg
			cfg.URL = srv.URL

			client := NewClient(nil)
			_, err := client.Send(context.Background(), cfg, Payload{ChatID: "a"})
			require.NoError(t, err)

			if tt.wantHeader != "" {
				assert.Equal(t, tt.wantValue, headers.Get(tt.wantHeader))
			}
			for _, h := range tt.wantAbsent {
				assert.Empty(t, headers.Get(h))
			}
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(nil)
	start := time.Now()
	_, err := client.Send(context.Background(), Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, Payload{ChatID: "a"})
	elapsed := time.Since(start)

	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, 50*time.Millisecond, toErr.Timeout)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestSend_RemoteError(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"upstream down"}`))
		}))
		defer srv.Close()

		client := NewClient(nil)
		_, err := client.Send(context.Background(), Config{URL: srv.URL}, Payload{ChatID: "a"})

		var remErr *RemoteError
		require.ErrorAs(t, err, &remErr)
		assert.Equal(t, http.StatusBadGateway, remErr.Status)
		assert.Contains(t, remErr.Body, "upstream down")
	})

	t.Run("text body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(nil)
		_, err := client.Send(context.Background(), Config{URL: srv.URL}, Payload{ChatID: "a"})

		var remErr *RemoteError
		require.ErrorAs(t, err, &remErr)
		assert.Equal(t, http.StatusNotFound, remErr.Status)
		assert.Contains(t, remErr.Body, "not found")
	})
}

func TestSend_JSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"message":"Hi there","extra":42}`))
	}))
	defer srv.Close()

	client := NewClient(nil)
	reply, err := client.Send(context.Background(), Config{URL: srv.URL}, Payload{ChatID: "a"})
	require.NoError(t, err)
	assert.Equal(t, ReplyJSON, reply.Kind)
	assert.JSONEq(t, `{"message":"Hi there","extra":42}`, string(reply.JSON))
}

func TestDisplayString(t *testing.T) {
	jsonReply := &Reply{Kind: ReplyJSON, JSON: json.RawMessage(`{"message":"Hi there","extra":1}`)}

	t.Run("text format prefers message field", func(t *testing.T) {
		assert.Equal(t, "Hi there", jsonReply.DisplayString(FormatText))
	})

	t.Run("json format pretty prints", func(t *testing.T) {
		out := jsonReply.DisplayString(FormatJSON)
		assert.Contains(t, out, `"message": "Hi there"`)
		assert.Contains(t, out, `"extra": 1`)
	})

	t.Run("text format without message field falls back to pretty json", func(t *testing.T) {
		reply := &Reply{Kind: ReplyJSON, JSON: json.RawMessage(`{"status":"done"}`)}
		assert.Contains(t, reply.DisplayString(FormatText), `"status": "done"`)
	})

	t.Run("text reply used verbatim", func(t *testing.T) {
		reply := &Reply{Kind: ReplyText, Text: "plain answer"}
		assert.Equal(t, "plain answer", reply.DisplayString(FormatText))
	})

	t.Run("malformed json body preserved verbatim", func(t *testing.T) {
		reply := &Reply{Kind: ReplyJSON, JSON: json.RawMessage(`{"message": truncated`)}
		assert.Equal(t, `{"message": truncated`, reply.DisplayString(FormatJSON))
		assert.Equal(t, `{"message": truncated`, reply.DisplayString(FormatText))
	})

	t.Run("empty result replaced with placeholder", func(t *testing.T) {
		reply := &Reply{Kind: ReplyText, Text: "   "}
		assert.Equal(t, NoMessagePlaceholder, reply.DisplayString(FormatText))
	})
}
