package batch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"inference_server/config"
	"inference_server/core/domain"
)

func queuedRequest(priority int, subject string) *domain.Request {
	return domain.NewRequest(domain.TypeClassification, map[string]any{
		"subject": subject,
		"sender":  "bob@example.com",
		"body":    "short note",
	}, priority, nil)
}

func TestEnqueueDepth(t *testing.T) {
	q := NewQueue(0)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(queuedRequest(5, fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if q.Depth() != 5 {
		t.Errorf("expected depth 5, got %d", q.Depth())
	}
	if q.BucketLen(5) != 5 {
		t.Errorf("expected bucket 5 length 5, got %d", q.BucketLen(5))
	}
}

func TestEnqueueCeiling(t *testing.T) {
	q := NewQueue(2)

	if err := q.Enqueue(queuedRequest(5, "a")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(queuedRequest(5, "b")); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := q.Enqueue(queuedRequest(5, "c")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if q.Depth() != 2 {
		t.Errorf("refused request must not change depth, got %d", q.Depth())
	}
}

func TestScanPreservesFIFOWithinBucket(t *testing.T) {
	q := NewQueue(0)
	s := mustStrategy(t, config.StrategySizeBased, 3, time.Second)

	ids := make([]string, 3)
	for i := range ids {
		req := queuedRequest(5, fmt.Sprintf("s%d", i))
		ids[i] = req.ID
		if err := q.Enqueue(req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	batches := q.ScanForRelease(time.Now(), s)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	for i, req := range batches[0].Requests {
		if req.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], req.ID)
		}
	}
}

func TestScanDescendingPriority(t *testing.T) {
	q := NewQueue(0)
	s := mustStrategy(t, config.StrategySizeBased, 2, time.Second)

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(queuedRequest(3, fmt.Sprintf("low%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(queuedRequest(9, fmt.Sprintf("high%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	batches := q.ScanForRelease(time.Now(), s)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].Priority != 9 || batches[1].Priority != 3 {
		t.Errorf("expected priorities [9 3], got [%d %d]", batches[0].Priority, batches[1].Priority)
	}
}

func TestScanLeavesResiduals(t *testing.T) {
	q := NewQueue(0)
	s := mustStrategy(t, config.StrategySizeBased, 10, time.Second)

	for i := 0; i < 15; i++ {
		if err := q.Enqueue(queuedRequest(5, fmt.Sprintf("s%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	batches := q.ScanForRelease(time.Now(), s)
	if len(batches) != 1 || len(batches[0].Requests) != 10 {
		t.Fatalf("expected one batch of 10, got %d batches", len(batches))
	}
	if q.Depth() != 5 {
		t.Errorf("expected 5 residual requests, got %d", q.Depth())
	}

	// A later scan must not re-release the same requests.
	if again := q.ScanForRelease(time.Now(), s); len(again) != 0 {
		t.Errorf("expected no further release, got %d batches", len(again))
	}
}

func TestReleasableTracksThreshold(t *testing.T) {
	q := NewQueue(0)
	s := mustStrategy(t, config.StrategySizeBased, 3, time.Second)

	now := time.Now()
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(queuedRequest(5, fmt.Sprintf("s%d", i))); err != nil {
			t.Fatal(err)
		}
		if q.Releasable(now, s, 5) {
			t.Fatalf("bucket of %d must not be releasable at batch size 3", i+1)
		}
	}
	if err := q.Enqueue(queuedRequest(5, "s2")); err != nil {
		t.Fatal(err)
	}
	if !q.Releasable(now, s, 5) {
		t.Error("bucket of 3 must be releasable at batch size 3")
	}
}

func TestCloseRefusesAdmission(t *testing.T) {
	q := NewQueue(0)
	if err := q.Enqueue(queuedRequest(5, "a")); err != nil {
		t.Fatal(err)
	}

	backlog := q.Close()
	if len(backlog) != 1 {
		t.Fatalf("expected 1 drained request, got %d", len(backlog))
	}
	if q.Depth() != 0 {
		t.Errorf("expected empty queue after close, got depth %d", q.Depth())
	}
	if err := q.Enqueue(queuedRequest(5, "b")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestDrainAllHighestFirst(t *testing.T) {
	q := NewQueue(0)
	for _, p := range []int{1, 10, 5} {
		if err := q.Enqueue(queuedRequest(p, fmt.Sprintf("p%d", p))); err != nil {
			t.Fatal(err)
		}
	}

	drained := q.DrainAll()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(drained))
	}
	got := []int{drained[0].Priority, drained[1].Priority, drained[2].Priority}
	want := []int{10, 5, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected drain order %v, got %v", want, got)
			break
		}
	}
	if q.Depth() != 0 {
		t.Errorf("expected depth 0 after drain, got %d", q.Depth())
	}
}
