package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisTaskQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, task := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, task.ID, task.Kind, `{"url":"https://example.com"}`); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["task_id"] != task.ID || got.Values["kind"] != task.Kind {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisTaskQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, task := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, task.ID, task.Kind, "{}"); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisTaskQueueDoneStoresResult(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisTaskQueue(RedisQueueConfig{
		Addr:   redisSrv.Addr(),
		Stream: "test:queue",
		Group:  "test-group",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	st, err := q.Enqueue(ctx, "transcribe_voice", map[string]string{"object_key": "voice/1.ogg"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if st.Status != StatusQueued {
		t.Fatalf("expected queued, got %q", st.Status)
	}

	if err := q.markDone(ctx, st.ID, "call mom tomorrow"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, ok, err := q.GetTask(ctx, st.ID)
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusDone || got.Result != "call mom tomorrow" {
		t.Fatalf("unexpected status record: %+v", got)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisTaskQueue, context.Context, string, TaskStatus) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisTaskQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	task, err := q.Enqueue(ctx, "fetch_url_metadata", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, task
}
