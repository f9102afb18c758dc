package variant

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/techplay/ab-cli/internal/model"
)

// EncodeEnvelope renders the persisted form of a value. Without an expiry the
// value is stored as a plain string; with one it is wrapped in a JSON envelope.
func EncodeEnvelope(value string, expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return value
	}
	b, _ := json.Marshal(model.Envelope{Value: value, ExpiresAt: expiresAt.UnixMilli()})
	return string(b)
}

// DecodeEnvelope parses a persisted value. Anything that is not a JSON
// envelope is a plain value that never expires.
func DecodeEnvelope(raw string) model.Envelope {
	if strings.HasPrefix(raw, "{") {
		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			return env
		}
	}
	return model.Envelope{Value: raw}
}
