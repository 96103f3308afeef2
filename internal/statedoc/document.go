package statedoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

// Path identifies a document in the remote store, e.g. "positions/BTCUSDT".
type Path string

// Validate checks the path is non-empty with non-empty slash-separated segments.
func (p Path) Validate() error {
	if p == "" {
		return exception.ErrEmptyPath
	}
	raw := string(p)
	if strings.HasPrefix(raw, "/") || strings.HasSuffix(raw, "/") {
		return exception.ErrInvalidPath
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			return exception.ErrInvalidPath
		}
	}
	return nil
}

func (p Path) String() string { return string(p) }

// Payload is the field mapping stored under a path. Values must be
// JSON-serializable scalars, slices or nested maps.
type Payload map[string]any

// Validate checks the payload is non-empty and serializable.
func (p Payload) Validate() error {
	if len(p) == 0 {
		return exception.ErrEmptyPayload
	}
	if _, err := json.Marshal(p); err != nil {
		return exception.ErrInvalidPayload
	}
	return nil
}

// Clone returns a deep copy through JSON round-tripping.
// Callers may mutate their map after submitting a write; the queue keeps a clone.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Digest returns a short hex digest of the canonical JSON encoding,
// used in dead-letter records and logs instead of the full payload.
func (p Payload) Digest() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Document is a stored payload with its server-assigned version timestamp.
type Document struct {
	Path      Path
	Payload   Payload
	UpdatedAt time.Time
}
