package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chhz0/taskq/types"
	"github.com/go-redis/redis/v8"
)

type RedisStream struct {
	client *redis.Client
	stream string
	group  string
}

func NewRedisStream(client *redis.Client, stream, group string) *RedisStream {
	return &RedisStream{
		client: client,
		stream: stream,
		group:  group,
	}
}

func (rs *RedisStream) Enqueue(ctx context.Context, msg *types.TaskMessage) (string, error) {
	fields, err := encodeFields(msg)
	if err != nil {
		return "", err
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return rs.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rs.stream,
		Values: values,
	}).Result()
}

func (rs *RedisStream) EnsureGroup(ctx context.Context) error {
	err := rs.client.XGroupCreateMkStream(ctx, rs.stream, rs.group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (rs *RedisStream) Read(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error) {
	if block <= 0 {
		// go-redis: Block < 0 不发送 BLOCK 参数
		block = -1
	}
	streams, err := rs.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    rs.group,
		Consumer: consumer,
		Streams:  []string{rs.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, fromXMessage(m))
		}
	}
	return out, nil
}

func (rs *RedisStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return rs.client.XAck(ctx, rs.stream, rs.group, ids...).Err()
}

func (rs *RedisStream) ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	pending, err := rs.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: rs.stream,
		Group:  rs.group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending: %w", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := rs.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   rs.stream,
		Group:    rs.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromXMessage(m))
	}
	return out, nil
}

// Close 不关闭共享的 redis 客户端
func (rs *RedisStream) Close() error {
	return nil
}

func fromXMessage(m redis.XMessage) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		values[k] = fmt.Sprint(v)
	}
	return Message{ID: m.ID, Values: values}
}
