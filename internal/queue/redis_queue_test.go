package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, visibility), mr
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	added, err := q.Enqueue(ctx, "job-1")
	if err != nil || !added {
		t.Fatalf("first enqueue added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(ctx, "job-1")
	if err != nil || added {
		t.Fatalf("second enqueue should be a no-op, added=%v err=%v", added, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue got %q err=%v", id, err)
	}
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	added, _ = q.Enqueue(ctx, "job-1")
	if !added {
		t.Fatalf("enqueue after ack should succeed")
	}
}

func TestEnqueueDuringLeaseRedeliversOnAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_, _ = q.Enqueue(ctx, "job-1")
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("dequeue got %q", id)
	}
	// Leased jobs are not delivered twice at once.
	added, err := q.Enqueue(ctx, "job-1")
	if err != nil || added {
		t.Fatalf("enqueue of leased job added=%v err=%v", added, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("expected nothing ready while leased, got %q", id)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("acked job enqueued during its lease should be ready again, depth=%d", depth)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("redelivery got %q", id)
	}

	// The mark is consumed: a second ack drops the job.
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready list, got %d", depth)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("expected nothing in flight, got %d", n)
	}
}

func TestRequeueExpiredClearsRedeliveryMark(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_, _ = q.Enqueue(ctx, "job-1")
	_, _ = q.DequeueWithLease(ctx)
	_, _ = q.Enqueue(ctx, "job-1")

	moved, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(moved) != 1 {
		t.Fatalf("requeue moved=%v err=%v", moved, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("dequeue got %q", id)
	}
	_ = q.Ack(ctx, "job-1")
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("job delivered twice, depth=%d", depth)
	}
}

func TestDequeueOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.DequeueWithLease(ctx)
		if err != nil || got != want {
			t.Fatalf("want %s got %s err=%v", want, got, err)
		}
	}
	if n, _ := q.InFlight(ctx); n != 3 {
		t.Fatalf("expected 3 in flight, got %d", n)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Second)

	_, _ = q.Enqueue(ctx, "job-1")
	_, _ = q.Enqueue(ctx, "job-2")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ExtendLease(ctx, "job-2", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected only job-1 requeued, got %v", ids)
	}
	if got, _ := q.DequeueWithLease(ctx); got != "job-1" {
		t.Fatalf("expected job-1 redelivered, got %q", got)
	}
}

func TestExtendLeaseIgnoresUnknownJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	if err := q.ExtendLease(ctx, "ghost", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("extend must not create a lease, in flight=%d", n)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	_, _ = q.Enqueue(ctx, "job-1")
	_, _ = q.Enqueue(ctx, "job-2")
	_, _ = q.DequeueWithLease(ctx)

	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := q.Cancel(ctx, "job-2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready list, got %d", depth)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("expected nothing in flight, got %d", n)
	}
	if added, _ := q.Enqueue(ctx, "job-2"); !added {
		t.Fatalf("cancelled job should be enqueueable again")
	}
}
