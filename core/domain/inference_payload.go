package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Payload keys read by the composers.
const (
	KeySubject     = "subject"
	KeySender      = "sender"
	KeyBody        = "body"
	KeyMessages    = "messages"
	KeyModel       = "model"
	KeyTemperature = "temperature"
	KeyMaxTokens   = "max_tokens"
)

// volatileKeys are stripped before fingerprinting so that per-submission
// noise does not defeat deduplication.
var volatileKeys = []string{"request_id", "trace_id", "timestamp", "submitted_at"}

// ValidatePayload checks that a payload carries the fields its composer
// reads. Unknown extra keys are allowed and ignored.
func ValidatePayload(t RequestType, payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("payload is required")
	}

	switch t {
	case TypeClassification:
		if PayloadString(payload, KeySubject) == "" && PayloadString(payload, KeyBody) == "" {
			return fmt.Errorf("classification payload needs subject or body")
		}
	case TypeTaskExtraction:
		if PayloadString(payload, KeyBody) == "" {
			return fmt.Errorf("task_extraction payload needs body")
		}
	case TypeDraftGeneration:
		if msgs := PayloadMessages(payload); len(msgs) == 0 {
			return fmt.Errorf("draft_generation payload needs messages")
		}
	case TypeGeneric:
		if PayloadString(payload, KeyModel) == "" {
			return fmt.Errorf("generic payload needs model")
		}
		if msgs := PayloadMessages(payload); len(msgs) == 0 {
			return fmt.Errorf("generic payload needs messages")
		}
	default:
		return fmt.Errorf("unknown request type %q", t)
	}
	return nil
}

// FingerprintPayload computes the dedup key: a content hash over the type and
// the payload with volatile keys removed. Map keys marshal in sorted order,
// so equal content yields equal fingerprints.
func FingerprintPayload(t RequestType, payload map[string]any) string {
	stripped := payload
	for _, k := range volatileKeys {
		if _, ok := payload[k]; ok {
			stripped = make(map[string]any, len(payload))
			for pk, pv := range payload {
				stripped[pk] = pv
			}
			for _, vk := range volatileKeys {
				delete(stripped, vk)
			}
			break
		}
	}

	data, err := json.Marshal(stripped)
	if err != nil {
		data = fmt.Appendf(nil, "%v", stripped)
	}

	sum := sha256.Sum256(append([]byte(t+"|"), data...))
	return hex.EncodeToString(sum[:16])
}

// PayloadString reads a string field, returning "" when absent or mistyped.
func PayloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadFloat reads a numeric field. JSON decoding yields float64; integer
// literals placed directly into the map are accepted too.
func PayloadFloat(payload map[string]any, key string, fallback float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// PayloadInt reads an integer field with a fallback.
func PayloadInt(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// ChatMessage is one turn of a draft or generic conversation payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PayloadMessages decodes the messages field into chat turns. Both typed
// slices and generic JSON shapes are accepted.
func PayloadMessages(payload map[string]any) []ChatMessage {
	raw, ok := payload[KeyMessages]
	if !ok {
		return nil
	}

	if typed, ok := raw.([]ChatMessage); ok {
		return typed
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Content != "" {
			out = append(out, m)
		}
	}
	return out
}
