// ABOUTME: Encodes file and audio blobs into self-contained transport attachments
// ABOUTME: Produces base64 data URIs with descriptive metadata (name, size, mime, duration)

package attachment

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Kind distinguishes file uploads from recorded audio clips
type Kind string

const (
	KindFile  Kind = "file"
	KindAudio Kind = "audio"
)

// defaultAudioMime is used for recorded audio blobs that carry no declared type.
// Browser MediaRecorder output is webm unless told otherwise.
const defaultAudioMime = "audio/webm"

// Blob is the raw input to the encoder: bytes plus whatever the producer
// knows about them.
type Blob struct {
	Name         string
	DeclaredType string
	Data         []byte
	Kind         Kind

	// DurationSeconds is set by the recorder for audio clips; nil otherwise.
	DurationSeconds *float64
}

// Attachment is the transport-ready representation of a blob. TransportURL is
// a data URI, so downstream consumers never need a second round-trip to fetch
// the content.
type Attachment struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Size            int64    `json:"size"`
	MimeType        string   `json:"mimeType"`
	TransportURL    string   `json:"transportUrl"`
	Kind            Kind     `json:"kind"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

// EncodingError indicates a blob could not be read or encoded. Callers are
// expected to drop the attachment and continue the send.
type EncodingError struct {
	Name string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding attachment %q: %v", e.Name, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encode converts a blob into a transport-safe Attachment.
// Size is computed from the blob, the mime type from its declared type
// (sniffed from content when missing, audio defaulting to audio/webm),
// and DurationSeconds carried through for audio clips.
func Encode(blob Blob) (*Attachment, error) {
	if len(blob.Data) == 0 {
		return nil, &EncodingError{Name: blob.Name, Err: fmt.Errorf("empty blob")}
	}

	mime := blob.DeclaredType
	if mime == "" {
		if blob.Kind == KindAudio {
			mime = defaultAudioMime
		} else {
			mime = mimetype.Detect(blob.Data).String()
		}
	}

	att := &Attachment{
		ID:           uuid.New().String(),
		Name:         blob.Name,
		Size:         int64(len(blob.Data)),
		MimeType:     mime,
		TransportURL: dataURI(mime, blob.Data),
		Kind:         blob.Kind,
	}
	if blob.Kind == KindAudio {
		att.DurationSeconds = blob.DurationSeconds
	}
	return att, nil
}

// dataURI builds a base64 data URI for the given payload
func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI recovers the raw bytes and mime type from a transport URL.
// The dispatch layer uses this to rebuild multipart file parts.
func DecodeDataURI(uri string) (mime string, data []byte, err error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, fmt.Errorf("not a data URI")
	}
	rest := strings.TrimPrefix(uri, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", nil, fmt.Errorf("missing base64 payload")
	}
	mime = rest[:sep]
	data, err = base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return "", nil, fmt.Errorf("decoding payload: %w", err)
	}
	return mime, data, nil
}

// Describe renders a short human label for an attachment, used as message
// content fallback when the user sends no text.
func Describe(kind Kind) string {
	if kind == KindAudio {
		return "audio message sent"
	}
	return "file sent"
}
