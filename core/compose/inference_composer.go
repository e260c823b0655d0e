// Package compose turns typed request batches into endpoint calls and maps
// call results back onto the requests that produced them.
package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"inference_server/core/domain"
	"inference_server/core/port/out"
)

// =============================================================================
// Composition Limits
// =============================================================================

const (
	// classifyBodyLimit bounds the body snippet sent per classification item.
	classifyBodyLimit = 500
	// extractBodyLimit bounds the body sent per task extraction item.
	extractBodyLimit = 800
	// extractChunkSize caps how many extraction items share one call.
	extractChunkSize = 5

	// classifyTokensPerItem scales the reply budget with the bundle size.
	classifyTokensPerItem = 150
	extractTokensPerItem  = 200

	classifyTemperature = 0.3
	extractTemperature  = 0.2

	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Bundle is one upstream call prepared from a slice of same-type requests.
// Decompose later pairs every request in Requests with exactly one response.
type Bundle struct {
	Type        domain.RequestType
	Requests    []*domain.Request
	Spec        out.CompletionSpec
	Fingerprint string
}

// Composer builds call specs from request payloads. It is stateless and safe
// for concurrent use.
type Composer struct {
	model      string // bundled call model
	draftModel string // default for draft generation
}

func New(model, draftModel string) *Composer {
	return &Composer{model: model, draftModel: draftModel}
}

// =============================================================================
// Compose
// =============================================================================

// Compose converts a single-type batch into endpoint calls. Classification
// merges the whole batch into one call, task extraction chunks it, draft and
// generic requests yield one call each.
func (c *Composer) Compose(t domain.RequestType, batch []*domain.Request) []Bundle {
	if len(batch) == 0 {
		return nil
	}

	switch t {
	case domain.TypeClassification:
		return []Bundle{c.composeClassification(batch)}
	case domain.TypeTaskExtraction:
		bundles := make([]Bundle, 0, (len(batch)+extractChunkSize-1)/extractChunkSize)
		for start := 0; start < len(batch); start += extractChunkSize {
			end := start + extractChunkSize
			if end > len(batch) {
				end = len(batch)
			}
			bundles = append(bundles, c.composeTaskExtraction(batch[start:end]))
		}
		return bundles
	default:
		bundles := make([]Bundle, 0, len(batch))
		for _, req := range batch {
			bundles = append(bundles, c.composeSingle(req))
		}
		return bundles
	}
}

type classifyItem struct {
	Index   int    `json:"index"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
}

func (c *Composer) composeClassification(batch []*domain.Request) Bundle {
	items := make([]classifyItem, len(batch))
	for i, req := range batch {
		items[i] = classifyItem{
			Index:   i,
			Subject: domain.PayloadString(req.Payload, domain.KeySubject),
			Sender:  domain.PayloadString(req.Payload, domain.KeySender),
			Body:    truncateText(domain.PayloadString(req.Payload, domain.KeyBody), classifyBodyLimit),
		}
	}

	spec := out.CompletionSpec{
		Model:       c.model,
		Messages:    []domain.ChatMessage{{Role: "user", Content: buildClassifyPrompt(items)}},
		Temperature: classifyTemperature,
		MaxTokens:   classifyTokensPerItem * len(batch),
		JSONMode:    true,
	}
	return Bundle{
		Type:        domain.TypeClassification,
		Requests:    batch,
		Spec:        spec,
		Fingerprint: fingerprintSpec(spec),
	}
}

func buildClassifyPrompt(items []classifyItem) string {
	var sb strings.Builder

	sb.WriteString(`Classify each of the following emails.

Category options:
- primary: important personal or work mail
- social: social networks, invitations
- promotions: marketing, offers
- updates: notifications, receipts, automated updates
- forums: mailing lists, discussion threads

Priority: 1 (low) to 5 (urgent).

Emails (JSON array):
`)

	data, _ := json.Marshal(items)
	sb.Write(data)

	sb.WriteString(`

Respond with a JSON object. Every input index must appear exactly once:
{
  "classifications": [
    {"index": 0, "category": "primary", "priority": 3, "tags": ["meeting"]},
    ...
  ]
}`)

	return sb.String()
}

type extractItem struct {
	Index   int    `json:"index"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *Composer) composeTaskExtraction(chunk []*domain.Request) Bundle {
	items := make([]extractItem, len(chunk))
	for i, req := range chunk {
		items[i] = extractItem{
			Index:   i,
			Subject: domain.PayloadString(req.Payload, domain.KeySubject),
			Body:    truncateText(domain.PayloadString(req.Payload, domain.KeyBody), extractBodyLimit),
		}
	}

	spec := out.CompletionSpec{
		Model:       c.model,
		Messages:    []domain.ChatMessage{{Role: "user", Content: buildExtractPrompt(items)}},
		Temperature: extractTemperature,
		MaxTokens:   extractTokensPerItem * len(chunk),
		JSONMode:    true,
	}
	return Bundle{
		Type:        domain.TypeTaskExtraction,
		Requests:    chunk,
		Spec:        spec,
		Fingerprint: fingerprintSpec(spec),
	}
}

func buildExtractPrompt(items []extractItem) string {
	var sb strings.Builder

	sb.WriteString(`Extract actionable tasks from each email below. An email
with no actionable content gets an empty tasks array.

Emails (JSON array):
`)

	data, _ := json.Marshal(items)
	sb.Write(data)

	sb.WriteString(`

Respond with a JSON object. Every input index must appear exactly once:
{
  "email_tasks": [
    {"index": 0, "tasks": [{"title": "send the report", "due": "2025-07-01"}]},
    ...
  ]
}`)

	return sb.String()
}

func (c *Composer) composeSingle(req *domain.Request) Bundle {
	model := domain.PayloadString(req.Payload, domain.KeyModel)
	if model == "" {
		model = c.draftModel
	}

	spec := out.CompletionSpec{
		Model:       model,
		Messages:    domain.PayloadMessages(req.Payload),
		Temperature: float32(domain.PayloadFloat(req.Payload, domain.KeyTemperature, defaultTemperature)),
		MaxTokens:   domain.PayloadInt(req.Payload, domain.KeyMaxTokens, defaultMaxTokens),
	}
	return Bundle{
		Type:        req.Type,
		Requests:    []*domain.Request{req},
		Spec:        spec,
		Fingerprint: fingerprintSpec(spec),
	}
}

// =============================================================================
// Decompose
// =============================================================================

// Decompose maps a completed call back onto the bundle's requests, in order.
// Bundled replies are keyed by the index field; a request whose index never
// appears fails with missing_in_batch_response. Tokens split evenly rounding
// down, cost splits evenly, so the parts never sum past the measured call.
func (c *Composer) Decompose(b Bundle, result *out.CompletionResult, elapsed time.Duration) []*domain.Response {
	switch b.Type {
	case domain.TypeClassification:
		return decomposeIndexed(b, result, elapsed, "classifications")
	case domain.TypeTaskExtraction:
		return decomposeIndexed(b, result, elapsed, "email_tasks")
	default:
		req := b.Requests[0]
		data := map[string]any{
			"content": result.Content,
			"model":   result.Model,
		}
		return []*domain.Response{
			domain.SuccessResponse(req.ID, data, elapsed, result.TotalTokens, result.CostEstimate),
		}
	}
}

func decomposeIndexed(b Bundle, result *out.CompletionResult, elapsed time.Duration, field string) []*domain.Response {
	k := len(b.Requests)
	tokensEach := result.TotalTokens / k
	costEach := result.CostEstimate / float64(k)

	byIndex := indexEntries(result.Content, field, k)

	responses := make([]*domain.Response, 0, k)
	for i, req := range b.Requests {
		entry, ok := byIndex[i]
		if !ok {
			responses = append(responses, domain.FailureResponse(req.ID, domain.ErrKindMissingInBatch, elapsed))
			continue
		}
		responses = append(responses, domain.SuccessResponse(req.ID, entry, elapsed, tokensEach, costEach))
	}
	return responses
}

// indexEntries pulls the per-item objects out of a bundled reply. Entries
// with an out-of-range or duplicate index are dropped; the first occurrence
// of an index wins.
func indexEntries(content, field string, k int) map[int]map[string]any {
	var envelope map[string]any
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil
	}

	raw, ok := envelope[field].([]any)
	if !ok {
		return nil
	}

	byIndex := make(map[int]map[string]any, len(raw))
	for _, e := range raw {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		idx := domain.PayloadInt(entry, "index", -1)
		if idx < 0 || idx >= k {
			continue
		}
		if _, dup := byIndex[idx]; dup {
			continue
		}
		byIndex[idx] = entry
	}
	return byIndex
}

// =============================================================================
// Helpers
// =============================================================================

// truncateText keeps the first maxLen code points of text.
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}

// fingerprintSpec hashes everything that shapes the upstream reply. Equal
// fingerprints mean the calls are interchangeable for the bundle cache.
func fingerprintSpec(spec out.CompletionSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.3f|%d|%t", spec.Model, spec.Temperature, spec.MaxTokens, spec.JSONMode)
	for _, m := range spec.Messages {
		fmt.Fprintf(h, "|%s:%s", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
