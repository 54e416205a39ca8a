package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/support-session/internal/model"
)

// History stores conversation messages. Append assigns the per-conversation
// sequence number.
type History interface {
	Append(ctx context.Context, tenantID string, m model.Message) (model.Message, error)
	Page(ctx context.Context, tenantID, conversationID string, page, limit int) ([]model.Message, int, error)
	Recent(ctx context.Context, tenantID, conversationID string, n int) ([]model.Message, error)
	MergeStatus(ctx context.Context, tenantID, conversationID, messageID string, st model.DeliveryStatus) error
}

// pageBounds returns the [start, end) slice bounds of a 1-based page.
func pageBounds(total, page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}

// MemoryHistory keeps history in process memory.
type MemoryHistory struct {
	mu   sync.RWMutex
	msgs map[string][]model.Message
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{msgs: make(map[string][]model.Message)}
}

func memoryKey(tenantID, conversationID string) string {
	return tenantID + "/" + conversationID
}

func (h *MemoryHistory) Append(_ context.Context, tenantID string, m model.Message) (model.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := memoryKey(tenantID, m.ConversationID)
	m.Sequence = uint64(len(h.msgs[key]) + 1)
	h.msgs[key] = append(h.msgs[key], m)
	return m, nil
}

func (h *MemoryHistory) Page(_ context.Context, tenantID, conversationID string, page, limit int) ([]model.Message, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.msgs[memoryKey(tenantID, conversationID)]
	start, end := pageBounds(len(all), page, limit)
	return append([]model.Message(nil), all[start:end]...), len(all), nil
}

func (h *MemoryHistory) Recent(_ context.Context, tenantID, conversationID string, n int) ([]model.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.msgs[memoryKey(tenantID, conversationID)]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]model.Message(nil), all...), nil
}

func (h *MemoryHistory) MergeStatus(_ context.Context, tenantID, conversationID, messageID string, st model.DeliveryStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.msgs[memoryKey(tenantID, conversationID)]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Status = msgs[i].Status.Merge(st)
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

const (
	redisPrefix = "chatsim"
	historyTTL  = 7 * 24 * time.Hour
)

// RedisHistory keeps history in Redis: a list of message JSON per
// conversation, a sequence counter and a hash of delivery statuses.
type RedisHistory struct {
	rdb *redis.Client
}

// NewRedisHistory creates a Redis-backed history.
func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb}
}

func redisKey(tenantID, conversationID, suffix string) string {
	return fmt.Sprintf("%s:%s:conv:%s:%s", redisPrefix, tenantID, conversationID, suffix)
}

func (h *RedisHistory) Append(ctx context.Context, tenantID string, m model.Message) (model.Message, error) {
	seqKey := redisKey(tenantID, m.ConversationID, "seq")
	listKey := redisKey(tenantID, m.ConversationID, "messages")

	seq, err := h.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return m, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	m.Sequence = uint64(seq)

	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, listKey, data)
	pipe.Expire(ctx, listKey, historyTTL)
	pipe.Expire(ctx, seqKey, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return m, fmt.Errorf("failed to append message: %w", err)
	}
	return m, nil
}

func (h *RedisHistory) Page(ctx context.Context, tenantID, conversationID string, page, limit int) ([]model.Message, int, error) {
	listKey := redisKey(tenantID, conversationID, "messages")
	total, err := h.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	start, end := pageBounds(int(total), page, limit)
	if start == end {
		return nil, int(total), nil
	}
	raw, err := h.rdb.LRange(ctx, listKey, int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load messages: %w", err)
	}
	msgs, err := h.decode(ctx, tenantID, conversationID, raw)
	return msgs, int(total), err
}

func (h *RedisHistory) Recent(ctx context.Context, tenantID, conversationID string, n int) ([]model.Message, error) {
	raw, err := h.rdb.LRange(ctx, redisKey(tenantID, conversationID, "messages"), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return h.decode(ctx, tenantID, conversationID, raw)
}

func (h *RedisHistory) MergeStatus(ctx context.Context, tenantID, conversationID, messageID string, st model.DeliveryStatus) error {
	statusKey := redisKey(tenantID, conversationID, "status")
	var cur model.DeliveryStatus
	data, err := h.rdb.HGet(ctx, statusKey, messageID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("failed to load status: %w", err)
	default:
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("failed to unmarshal status: %w", err)
		}
	}

	data, err = json.Marshal(cur.Merge(st))
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	pipe := h.rdb.TxPipeline()
	pipe.HSet(ctx, statusKey, messageID, data)
	pipe.Expire(ctx, statusKey, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// decode unmarshals stored messages and overlays their latest statuses.
func (h *RedisHistory) decode(ctx context.Context, tenantID, conversationID string, raw []string) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, r := range raw {
		var m model.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return msgs, nil
	}

	vals, err := h.rdb.HMGet(ctx, redisKey(tenantID, conversationID, "status"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load statuses: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var st model.DeliveryStatus
		if err := json.Unmarshal([]byte(s), &st); err == nil {
			msgs[i].Status = msgs[i].Status.Merge(st)
		}
	}
	return msgs, nil
}
