package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"inference_server/config"
	"inference_server/core/domain"
	"inference_server/core/port/out"
	"inference_server/pkg/metrics"
	"inference_server/pkg/ratelimit"
)

// =============================================================================
// Stub endpoint
// =============================================================================

type stubCall struct {
	spec out.CompletionSpec
	at   time.Time
}

// stubEndpoint answers composed calls with well-formed replies: bundled
// prompts get every embedded index answered, single calls get plain text.
// A reply hook takes over per-call behavior when set.
type stubEndpoint struct {
	mu    sync.Mutex
	calls []stubCall

	reply func(ctx context.Context, spec out.CompletionSpec, n int) (*out.CompletionResult, error)
}

func (s *stubEndpoint) Complete(ctx context.Context, spec out.CompletionSpec) (*out.CompletionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{spec: spec, at: time.Now()})
	n := len(s.calls)
	s.mu.Unlock()

	if s.reply != nil {
		return s.reply(ctx, spec, n)
	}
	return defaultReply(spec)
}

func (s *stubEndpoint) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubEndpoint) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]time.Time, len(s.calls))
	for i, c := range s.calls {
		times[i] = c.at
	}
	return times
}

func (s *stubEndpoint) callSpec(i int) out.CompletionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i].spec
}

func defaultReply(spec out.CompletionSpec) (*out.CompletionResult, error) {
	if !spec.JSONMode {
		return &out.CompletionResult{
			Content:          "stub draft",
			Model:            spec.Model,
			PromptTokens:     40,
			CompletionTokens: 60,
			TotalTokens:      100,
			CostEstimate:     0.002,
		}, nil
	}

	prompt := spec.Messages[len(spec.Messages)-1].Content
	field := "email_tasks"
	if strings.Contains(prompt, "classifications") {
		field = "classifications"
	}

	indexes := promptIndexes(prompt)
	entries := make([]map[string]any, 0, len(indexes))
	for _, idx := range indexes {
		entry := map[string]any{"index": idx}
		if field == "classifications" {
			entry["category"] = "primary"
			entry["priority"] = 3
		} else {
			entry["tasks"] = []any{}
		}
		entries = append(entries, entry)
	}

	content, err := json.Marshal(map[string]any{field: entries})
	if err != nil {
		return nil, err
	}
	k := len(entries)
	return &out.CompletionResult{
		Content:          string(content),
		Model:            spec.Model,
		PromptTokens:     60 * k,
		CompletionTokens: 40 * k,
		TotalTokens:      100 * k,
		CostEstimate:     0.001 * float64(k),
	}, nil
}

// promptIndexes recovers the item indexes from the JSON array a bundled
// prompt embeds between its instruction blocks.
func promptIndexes(prompt string) []int {
	start := strings.Index(prompt, "[{")
	if start < 0 {
		return nil
	}
	length := strings.Index(prompt[start:], "}]")
	if length < 0 {
		return nil
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(prompt[start:start+length+2]), &items); err != nil {
		return nil
	}
	indexes := make([]int, 0, len(items))
	for _, item := range items {
		indexes = append(indexes, domain.PayloadInt(item, "index", -1))
	}
	return indexes
}

// =============================================================================
// Test helpers
// =============================================================================

func processorConfig(strategy string, batchSize int) *config.Config {
	return &config.Config{
		Environment:          "test",
		WorkerID:             "batch-test",
		Model:                "gpt-4o-mini",
		DraftModel:           "gpt-4o",
		BatchSize:            batchSize,
		BatchTimeout:         100 * time.Millisecond,
		MaxConcurrentBatches: 3,
		Strategy:             strategy,
		RequestsPerMinute:    10000,
		RequestsPerHour:      100000,
		MaxRetries:           1,
		BaseBackoff:          time.Millisecond,
		Timeout:              time.Second,
		CacheTTL:             time.Minute,
		CacheMaxEntries:      256,
		Pricing:              config.DefaultPricingTable(),
	}
}

func newProcessor(t *testing.T, cfg *config.Config, ep out.CompletionEndpoint, opts ...Option) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, ep, metrics.NewCollector(256), opts...)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func startProcessor(t *testing.T, cfg *config.Config, ep out.CompletionEndpoint, opts ...Option) *Processor {
	t.Helper()
	p := newProcessor(t, cfg, ep, opts...)
	p.Start()
	return p
}

func responseSink(capacity int) (domain.Callback, chan *domain.Response) {
	ch := make(chan *domain.Response, capacity)
	return func(r *domain.Response) { ch <- r }, ch
}

func awaitResponses(t *testing.T, ch <-chan *domain.Response, n int, timeout time.Duration) []*domain.Response {
	t.Helper()
	got := make([]*domain.Response, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case r := <-ch:
			got = append(got, r)
		case <-deadline:
			t.Fatalf("timed out waiting for responses: got %d of %d", len(got), n)
		}
	}
	return got
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func classifyPayload(i int) map[string]any {
	return map[string]any{
		"subject": fmt.Sprintf("quarterly report %d", i),
		"sender":  "alice@example.com",
		"body":    "please review before friday",
	}
}

func extractPayload(i int) map[string]any {
	return map[string]any{
		"subject": fmt.Sprintf("action items %d", i),
		"body":    fmt.Sprintf("send the deck to the client by tuesday, thread %d", i),
	}
}

func draftPayload(i int) map[string]any {
	return map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": fmt.Sprintf("reply to thread %d", i)},
		},
	}
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestClassificationBundling(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 10), ep)

	cb, ch := responseSink(10)
	for i := 0; i < 10; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	responses := awaitResponses(t, ch, 10, 3*time.Second)
	for _, r := range responses {
		if !r.Success {
			t.Errorf("expected success, got error %q", r.Error)
		}
		if r.Data["category"] != "primary" {
			t.Errorf("expected classification data, got %v", r.Data)
		}
		if r.TokensUsed != 100 {
			t.Errorf("expected even token split of 100, got %d", r.TokensUsed)
		}
	}

	if got := ep.callCount(); got != 1 {
		t.Errorf("expected exactly 1 endpoint call, got %d", got)
	}

	snap := p.GetMetrics()
	if snap.TotalRequests != 10 {
		t.Errorf("expected total_requests 10, got %d", snap.TotalRequests)
	}
	if snap.TotalBatches != 1 {
		t.Errorf("expected total_batches 1, got %d", snap.TotalBatches)
	}
	if snap.AvgBatchSize != 10.0 {
		t.Errorf("expected avg_batch_size 10.0, got %v", snap.AvgBatchSize)
	}
	if snap.PendingRequests != 0 {
		t.Errorf("expected empty queue, got %d pending", snap.PendingRequests)
	}
}

func TestTimeBasedFlush(t *testing.T) {
	ep := &stubEndpoint{}
	p := newProcessor(t, processorConfig(config.StrategyTimeBased, 10), ep)

	// Enqueue first so every scan sees the three requests aging together.
	cb, ch := responseSink(3)
	for i := 0; i < 3; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Start()

	responses := awaitResponses(t, ch, 3, 3*time.Second)
	for _, r := range responses {
		if !r.Success {
			t.Errorf("expected success, got error %q", r.Error)
		}
	}
	if got := ep.callCount(); got != 1 {
		t.Errorf("expected the aged partial batch in one call, got %d", got)
	}
}

func TestDedupShortCircuit(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 1), ep)

	cb1, ch1 := responseSink(1)
	id1, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, cb1)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	first := awaitResponses(t, ch1, 1, 3*time.Second)[0]
	if first.RequestID != id1 {
		t.Fatalf("expected response for %s, got %s", id1, first.RequestID)
	}

	cb2, ch2 := responseSink(1)
	id2, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, cb2)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if id2 != id1 {
		t.Errorf("dedup hit must return the cached request id %s, got %s", id1, id2)
	}

	second := awaitResponses(t, ch2, 1, time.Second)[0]
	if second.RequestID != id1 {
		t.Errorf("cached response must carry the original id %s, got %s", id1, second.RequestID)
	}
	if !second.Success {
		t.Errorf("cached response must be the original success, got error %q", second.Error)
	}

	if got := ep.callCount(); got != 1 {
		t.Errorf("dedup hit must not call the endpoint, got %d calls", got)
	}
	snap := p.GetMetrics()
	if snap.DedupHits != 1 {
		t.Errorf("expected dedup_hits 1, got %d", snap.DedupHits)
	}
	if snap.TotalRequests != 2 {
		t.Errorf("expected total_requests 2, got %d", snap.TotalRequests)
	}
}

func TestRateLimitHonored(t *testing.T) {
	const window = 300 * time.Millisecond

	ep := &stubEndpoint{}
	cfg := processorConfig(config.StrategyTimeBased, 10)
	cfg.BatchTimeout = 0 // release every scan
	limiter := ratelimit.NewWithWindows(2, 1000, window, 10*time.Second)
	p := startProcessor(t, cfg, ep, WithLimiter(limiter))

	cb, ch := responseSink(5)
	for i := 0; i < 5; i++ {
		if _, err := p.Submit(domain.TypeDraftGeneration, draftPayload(i), 5, cb); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	responses := awaitResponses(t, ch, 5, 10*time.Second)
	for _, r := range responses {
		if !r.Success {
			t.Errorf("expected success, got error %q", r.Error)
		}
	}
	if got := ep.callCount(); got != 5 {
		t.Fatalf("expected 5 endpoint calls, got %d", got)
	}

	// No rolling window may contain more than two call starts. Scheduling
	// between admission and the recorded instant only widens gaps, so a
	// small epsilon guards the comparison.
	times := ep.callTimes()
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	const epsilon = 20 * time.Millisecond
	for i := 0; i+2 < len(times); i++ {
		if gap := times[i+2].Sub(times[i]); gap < window-epsilon {
			t.Errorf("calls %d..%d landed within %v, cap is 2 per %v", i, i+2, gap, window)
		}
	}

	stats := p.RateStats()
	if stats.PerMinute != 2 || stats.PerHour != 1000 {
		t.Errorf("expected limiter caps 2/1000, got %d/%d", stats.PerMinute, stats.PerHour)
	}
}

func TestTerminalRateLimitFailure(t *testing.T) {
	ep := &stubEndpoint{
		reply: func(_ context.Context, _ out.CompletionSpec, _ int) (*out.CompletionResult, error) {
			return nil, &domain.EndpointError{Kind: domain.ErrKindRateLimited, Status: 429}
		},
	}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 3), ep)

	cb, ch := responseSink(3)
	for i := 0; i < 3; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for _, r := range awaitResponses(t, ch, 3, 3*time.Second) {
		if r.Success {
			t.Error("expected failure responses")
		}
		if r.Error != string(domain.ErrKindRateLimited) {
			t.Errorf("expected rate_limited, got %q", r.Error)
		}
	}

	snap := p.GetMetrics()
	if snap.Errors != 3 {
		t.Errorf("expected 3 terminal errors, got %d", snap.Errors)
	}
	if snap.TotalBatches != 0 {
		t.Errorf("failed dispatches must not count as batches, got %d", snap.TotalBatches)
	}
}

func TestShutdownCancelsBacklog(t *testing.T) {
	ep := &stubEndpoint{}
	ep.reply = func(ctx context.Context, spec out.CompletionSpec, n int) (*out.CompletionResult, error) {
		if n == 1 {
			return defaultReply(spec)
		}
		// Later calls hang until shutdown cancels them.
		<-ctx.Done()
		return nil, &domain.EndpointError{Kind: domain.ErrKindCancelled, Err: ctx.Err()}
	}

	cfg := processorConfig(config.StrategySizeBased, 10)
	cfg.MaxConcurrentBatches = 1
	p := startProcessor(t, cfg, ep)

	cb, ch := responseSink(20)
	for i := 0; i < 20; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for _, r := range awaitResponses(t, ch, 10, 5*time.Second) {
		if !r.Success {
			t.Errorf("first batch must succeed, got error %q", r.Error)
		}
	}

	p.Stop()

	for _, r := range awaitResponses(t, ch, 10, 3*time.Second) {
		if r.Success {
			t.Error("backlog must fail after stop")
		}
		if r.Error != string(domain.ErrKindCancelled) {
			t.Errorf("expected cancelled, got %q", r.Error)
		}
	}

	calls := ep.callCount()
	if calls > 2 {
		t.Errorf("expected at most 2 endpoint calls, got %d", calls)
	}
	time.Sleep(150 * time.Millisecond)
	if got := ep.callCount(); got != calls {
		t.Errorf("no calls may start after stop, went %d -> %d", calls, got)
	}

	snap := p.GetMetrics()
	if snap.Errors != 10 {
		t.Errorf("expected 10 cancelled errors, got %d", snap.Errors)
	}
}

// =============================================================================
// Behavior around the scenarios
// =============================================================================

func TestPriorityPreemptsLowBuckets(t *testing.T) {
	gate := make(chan struct{})
	ep := &stubEndpoint{}
	ep.reply = func(ctx context.Context, spec out.CompletionSpec, _ int) (*out.CompletionResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &domain.EndpointError{Kind: domain.ErrKindCancelled, Err: ctx.Err()}
		}
		return defaultReply(spec)
	}

	cfg := processorConfig(config.StrategyPriority, 10)
	cfg.MaxConcurrentBatches = 2
	p := startProcessor(t, cfg, ep)

	cb, ch := responseSink(11)
	for i := 0; i < 10; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 1, cb); err != nil {
			t.Fatalf("submit low %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return ep.callCount() == 1 }, "low-priority batch dispatch")

	if _, err := p.Submit(domain.TypeClassification, classifyPayload(99), 10, cb); err != nil {
		t.Fatalf("submit high: %v", err)
	}

	// The priority-10 request must reach the endpoint while the priority-1
	// batch is still in flight.
	waitFor(t, 2*time.Second, func() bool { return ep.callCount() == 2 }, "high-priority dispatch")
	if tokens := ep.callSpec(1).MaxTokens; tokens != 150 {
		t.Errorf("expected the single-item high-priority bundle second, got max_tokens %d", tokens)
	}

	close(gate)
	for _, r := range awaitResponses(t, ch, 11, 3*time.Second) {
		if !r.Success {
			t.Errorf("expected success, got error %q", r.Error)
		}
	}
}

func TestMixedTypeBatchPartitions(t *testing.T) {
	ep := &stubEndpoint{}
	p := newProcessor(t, processorConfig(config.StrategyPriority, 10), ep)

	// Enqueue before starting so one scan drains the bucket as one batch.
	cb, ch := responseSink(5)
	submit := func(typ domain.RequestType, payload map[string]any) {
		t.Helper()
		if _, err := p.Submit(typ, payload, 9, cb); err != nil {
			t.Fatalf("submit %s: %v", typ, err)
		}
	}
	submit(domain.TypeClassification, classifyPayload(0))
	submit(domain.TypeClassification, classifyPayload(1))
	submit(domain.TypeTaskExtraction, extractPayload(0))
	submit(domain.TypeTaskExtraction, extractPayload(1))
	submit(domain.TypeDraftGeneration, draftPayload(0))

	p.Start()

	byContent := map[string]int{"category": 0, "tasks": 0, "content": 0}
	for _, r := range awaitResponses(t, ch, 5, 3*time.Second) {
		if !r.Success {
			t.Fatalf("expected success, got error %q", r.Error)
		}
		for key := range byContent {
			if _, ok := r.Data[key]; ok {
				byContent[key]++
			}
		}
	}
	if byContent["category"] != 2 || byContent["tasks"] != 2 || byContent["content"] != 1 {
		t.Errorf("unexpected per-type results: %v", byContent)
	}

	// One call per classify bundle, extraction chunk and draft request.
	if got := ep.callCount(); got != 3 {
		t.Errorf("expected 3 endpoint calls, got %d", got)
	}
	if snap := p.GetMetrics(); snap.TotalBatches != 3 {
		t.Errorf("expected 3 dispatched bundles, got %d", snap.TotalBatches)
	}
}

func TestBundleCacheServesSecondCall(t *testing.T) {
	ep := &stubEndpoint{}
	cfg := processorConfig(config.StrategySizeBased, 1)
	cfg.BundleCacheEnabled = true
	p := startProcessor(t, cfg, ep)

	cb1, ch1 := responseSink(1)
	if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, cb1); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	awaitResponses(t, ch1, 1, 3*time.Second)

	// Same composed prompt, different dedup key: the extra key changes the
	// payload fingerprint but the composer never reads it.
	payload := classifyPayload(0)
	payload["locale"] = "de"

	cb2, ch2 := responseSink(1)
	if _, err := p.Submit(domain.TypeClassification, payload, 5, cb2); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	second := awaitResponses(t, ch2, 1, 3*time.Second)[0]
	if !second.Success {
		t.Fatalf("expected cached bundle success, got error %q", second.Error)
	}

	if got := ep.callCount(); got != 1 {
		t.Errorf("bundle cache must absorb the second call, got %d calls", got)
	}
	snap := p.GetMetrics()
	if snap.CacheHits != 1 {
		t.Errorf("expected cache_hits 1, got %d", snap.CacheHits)
	}
	if snap.TotalBatches != 1 {
		t.Errorf("cached bundles must not count as dispatches, got %d", snap.TotalBatches)
	}
}

func TestClearCachesForcesRecompute(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 1), ep)

	run := func(expectCalls int) {
		t.Helper()
		cb, ch := responseSink(2)
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, cb); err != nil {
			t.Fatal(err)
		}
		awaitResponses(t, ch, 1, 3*time.Second)
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, cb); err != nil {
			t.Fatal(err)
		}
		awaitResponses(t, ch, 1, time.Second)
		if got := ep.callCount(); got != expectCalls {
			t.Errorf("expected %d cumulative endpoint calls, got %d", expectCalls, got)
		}
	}

	run(1) // identical pair inside the TTL: one call
	p.ClearCaches()
	run(2) // cleared: the pair costs one more call

	if snap := p.GetMetrics(); snap.DedupHits != 2 {
		t.Errorf("expected 2 dedup hits, got %d", snap.DedupHits)
	}
}

func TestSubmitValidation(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 10), ep)

	tests := []struct {
		name    string
		typ     domain.RequestType
		payload map[string]any
	}{
		{name: "nil payload", typ: domain.TypeClassification, payload: nil},
		{name: "classification without content", typ: domain.TypeClassification, payload: map[string]any{"sender": "a@b.c"}},
		{name: "extraction without body", typ: domain.TypeTaskExtraction, payload: map[string]any{"subject": "x"}},
		{name: "draft without messages", typ: domain.TypeDraftGeneration, payload: map[string]any{"model": "gpt-4o"}},
		{name: "unknown type", typ: domain.RequestType("embedding"), payload: map[string]any{"body": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Submit(tt.typ, tt.payload, 5, nil); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if snap := p.GetMetrics(); snap.TotalRequests != 0 {
		t.Errorf("refused submissions must not count, got %d", snap.TotalRequests)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	ep := &stubEndpoint{}
	cfg := processorConfig(config.StrategySizeBased, 100) // never releases
	cfg.MaxQueueSize = 3
	p := startProcessor(t, cfg, ep)

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, nil); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := p.Submit(domain.TypeClassification, classifyPayload(3), 5, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 10), ep)
	p.Stop()

	if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, nil); !errors.Is(err, ErrProcessorStopped) {
		t.Errorf("expected ErrProcessorStopped, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	ep := &stubEndpoint{}
	p := newProcessor(t, processorConfig(config.StrategySizeBased, 10), ep)

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}

func TestCallbackPanicIsolated(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 3), ep)

	cb, ch := responseSink(3)
	panicking := func(r *domain.Response) {
		ch <- r
		panic("sink exploded")
	}

	if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, panicking); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 3; i++ {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb); err != nil {
			t.Fatal(err)
		}
	}

	for _, r := range awaitResponses(t, ch, 3, 3*time.Second) {
		if !r.Success {
			t.Errorf("expected success, got error %q", r.Error)
		}
	}
	if snap := p.GetMetrics(); snap.Errors != 0 {
		t.Errorf("a panicking callback is not a request failure, got %d errors", snap.Errors)
	}
}

func TestReentrantSubmitFromCallback(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 1), ep)

	inner, innerCh := responseSink(1)
	outer := func(*domain.Response) {
		if _, err := p.Submit(domain.TypeClassification, classifyPayload(1), 5, inner); err != nil {
			t.Errorf("re-entrant submit: %v", err)
		}
	}

	if _, err := p.Submit(domain.TypeClassification, classifyPayload(0), 5, outer); err != nil {
		t.Fatal(err)
	}

	r := awaitResponses(t, innerCh, 1, 3*time.Second)[0]
	if !r.Success {
		t.Errorf("expected success, got error %q", r.Error)
	}
}

func TestSubmitBulkSequentialIDs(t *testing.T) {
	ep := &stubEndpoint{}
	p := startProcessor(t, processorConfig(config.StrategySizeBased, 4), ep)

	payloads := make([]map[string]any, 4)
	for i := range payloads {
		payloads[i] = classifyPayload(i)
	}

	ids, err := p.SubmitBulk(domain.TypeClassification, payloads, 5)
	if err != nil {
		t.Fatalf("SubmitBulk: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected 4 ids, got %d", len(ids))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}

	if snap := p.GetMetrics(); snap.TotalRequests != 4 {
		t.Errorf("expected total_requests 4, got %d", snap.TotalRequests)
	}
}

func TestMissingIndexFailsOnlyAbsentRequests(t *testing.T) {
	// Reply drops index 1 from an otherwise valid classification envelope.
	ep := &stubEndpoint{}
	ep.reply = func(_ context.Context, spec out.CompletionSpec, _ int) (*out.CompletionResult, error) {
		result, err := defaultReply(spec)
		if err != nil {
			return nil, err
		}
		var envelope map[string][]map[string]any
		if err := json.Unmarshal([]byte(result.Content), &envelope); err != nil {
			return nil, err
		}
		kept := envelope["classifications"][:0]
		for _, entry := range envelope["classifications"] {
			if domain.PayloadInt(entry, "index", -1) != 1 {
				kept = append(kept, entry)
			}
		}
		content, err := json.Marshal(map[string]any{"classifications": kept})
		if err != nil {
			return nil, err
		}
		result.Content = string(content)
		return result, nil
	}

	p := startProcessor(t, processorConfig(config.StrategySizeBased, 3), ep)

	cb, ch := responseSink(3)
	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		id, err := p.Submit(domain.TypeClassification, classifyPayload(i), 5, cb)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[i] = id
	}

	failures := 0
	for _, r := range awaitResponses(t, ch, 3, 3*time.Second) {
		if r.Success {
			continue
		}
		failures++
		if r.RequestID != ids[1] {
			t.Errorf("expected the dropped index to fail, got %s", r.RequestID)
		}
		if r.Error != string(domain.ErrKindMissingInBatch) {
			t.Errorf("expected missing_in_batch_response, got %q", r.Error)
		}
	}
	if failures != 1 {
		t.Errorf("expected exactly 1 failure, got %d", failures)
	}
}
