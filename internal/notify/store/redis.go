package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reliance/internal/notify"
)

const (
	eventsKey     = "notify:events"
	scheduleKey   = "notify:schedule"
	deadLetterKey = "notify:dead_letter"
)

// RedisStore keeps the schedule as a sorted set scored by next attempt time
// (unix millis) with event bodies in a hash. Claiming is a ZREM, so only the
// instance whose ZREM removed the member processes the event.
type RedisStore struct {
	client redis.UniversalClient
}

var _ notify.Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Schedule(ctx context.Context, ev notify.OutboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, eventsKey, ev.ID, body)
		pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(ev.NextAttemptAt.UnixMilli()), Member: ev.ID})
		return nil
	})
	return err
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]notify.OutboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range schedule: %w", err)
	}

	var claimed []notify.OutboundEvent
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, scheduleKey, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim event %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		body, err := s.client.HGet(ctx, eventsKey, id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("load event %s: %w", id, err)
		}
		var ev notify.OutboundEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return claimed, fmt.Errorf("decode event %s: %w", id, err)
		}
		claimed = append(claimed, ev)
	}
	return claimed, nil
}

func (s *RedisStore) Complete(ctx context.Context, eventID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, eventsKey, eventID)
		pipe.ZRem(ctx, scheduleKey, eventID)
		return nil
	})
	return err
}

func (s *RedisStore) DeadLetter(ctx context.Context, dl notify.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, eventsKey, dl.Event.ID)
		pipe.ZRem(ctx, scheduleKey, dl.Event.ID)
		pipe.LPush(ctx, deadLetterKey, body)
		return nil
	})
	return err
}

func (s *RedisStore) DeadLetters(ctx context.Context, limit int) ([]notify.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := s.client.LRange(ctx, deadLetterKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]notify.DeadLetter, 0, len(items))
	for _, item := range items {
		var dl notify.DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *RedisStore) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, scheduleKey).Result()
}
