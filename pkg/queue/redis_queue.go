package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Task is a unit of background work. Payload carries kind-specific
// parameters as JSON.
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type TaskStatus struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Result       string    `json:"result,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes a task and returns a short textual result that is
// recorded on the task status record.
type Handler func(ctx context.Context, task Task) (string, error)

type RedisTaskQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	taskTTL      time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	TaskTTL    time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisTaskQueue(cfg RedisQueueConfig) (*RedisTaskQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	taskTTL := cfg.TaskTTL
	if taskTTL <= 0 {
		taskTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisTaskQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		taskTTL:      taskTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue publishes a task of the given kind. payload must marshal to JSON.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, kind string, payload any) (TaskStatus, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return TaskStatus{}, errors.New("task kind required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("marshal payload: %w", err)
	}
	st := TaskStatus{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, st); err != nil {
		return TaskStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task_id": st.ID,
			"kind":    st.Kind,
			"payload": string(raw),
		},
	}).Err(); err != nil {
		return TaskStatus{}, err
	}
	return st, nil
}

func (q *RedisTaskQueue) GetTask(ctx context.Context, taskID string) (TaskStatus, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskStatus{}, false, nil
	}
	key := q.taskKey(taskID)
	data, err := q.client.HGetAll(ctx, key).Result()
	if err != nil {
		return TaskStatus{}, false, err
	}
	if len(data) == 0 {
		return TaskStatus{}, false, nil
	}
	return decodeTaskStatus(taskID, data), true, nil
}

func (q *RedisTaskQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisTaskQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *RedisTaskQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisTaskQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisTaskQueue) handleMessage(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	taskID, _ := msg.Values["task_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	payload, _ := msg.Values["payload"].(string)
	if taskID == "" || kind == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	st, err := q.markProcessing(ctx, taskID, kind)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	task := Task{ID: taskID, Kind: kind, Payload: json.RawMessage(payload)}
	result, err := handler(ctx, task)
	if err == nil {
		_ = q.markDone(ctx, taskID, result)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if st.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, taskID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, taskID, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, taskID, kind, payload)
}

func (q *RedisTaskQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisTaskQueue) requeueAndAck(ctx context.Context, msgID, taskID, kind, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task_id": taskID,
			"kind":    kind,
			"payload": payload,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisTaskQueue) markProcessing(ctx context.Context, taskID, kind string) (TaskStatus, error) {
	st, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	if st.ID == "" {
		st = TaskStatus{ID: taskID}
	}
	if kind != "" {
		st.Kind = kind
	}
	st.Attempts++
	st.Status = StatusProcessing
	st.UpdatedAt = time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}
	if err := q.writeStatus(ctx, st); err != nil {
		return TaskStatus{}, err
	}
	return st, nil
}

func (q *RedisTaskQueue) markQueued(ctx context.Context, taskID, errMsg string) error {
	st, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	st.Status = StatusQueued
	st.ErrorMessage = errMsg
	st.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, st)
}

func (q *RedisTaskQueue) markDone(ctx context.Context, taskID, result string) error {
	st, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	st.Status = StatusDone
	st.Result = result
	st.ErrorMessage = ""
	st.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, st)
}

func (q *RedisTaskQueue) markFailed(ctx context.Context, taskID, errMsg string) error {
	st, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	st.Status = StatusFailed
	st.ErrorMessage = errMsg
	st.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, st)
}

func (q *RedisTaskQueue) writeStatus(ctx context.Context, st TaskStatus) error {
	key := q.taskKey(st.ID)
	payload := map[string]any{
		"id":        st.ID,
		"kind":      st.Kind,
		"status":    st.Status,
		"result":    st.Result,
		"error":     st.ErrorMessage,
		"attempts":  strconv.Itoa(st.Attempts),
		"createdAt": st.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": st.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.taskTTL).Err()
	return nil
}

func (q *RedisTaskQueue) taskKey(taskID string) string {
	return fmt.Sprintf("task:%s:%s", q.stream, taskID)
}

func decodeTaskStatus(taskID string, data map[string]string) TaskStatus {
	st := TaskStatus{ID: taskID}
	if v := data["kind"]; v != "" {
		st.Kind = v
	}
	if v := data["status"]; v != "" {
		st.Status = v
	}
	if v := data["result"]; v != "" {
		st.Result = v
	}
	if v := data["error"]; v != "" {
		st.ErrorMessage = v
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.UpdatedAt = t
		}
	}
	return st
}
