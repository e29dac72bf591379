package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rackoot/racky.app-sub003/internal/config"
)

// Broker is the at-least-once delivery primitive: named queues partitioned by
// routing key, consumed under a visibility lease. A consumed job that is not
// acked before the lease expires is reclaimed and redelivered.
type Broker struct {
	client        *redis.Client
	routingKeys   []string
	visibilityTTL time.Duration
}

// NewBroker builds a broker from config.
func NewBroker(cfg config.Config) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewBrokerWithClient(client, cfg.RoutingKeys, cfg.VisibilityTimeout)
}

// NewBrokerWithClient wires an existing Redis client, used by tests.
func NewBrokerWithClient(client *redis.Client, routingKeys []string, visibility time.Duration) *Broker {
	if len(routingKeys) == 0 {
		routingKeys = []string{"default"}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Broker{
		client:        client,
		routingKeys:   routingKeys,
		visibilityTTL: visibility,
	}
}

func (b *Broker) readyKey(queue, routingKey string) string {
	return fmt.Sprintf("queue:ready:%s:%s", queue, routingKey)
}

func (b *Broker) inflightKey(queue string) string {
	return fmt.Sprintf("queue:inflight:%s", queue)
}

func (b *Broker) metaKey(jobID string) string {
	return "queue:jobmeta:" + jobID
}

func (b *Broker) cancelKey(jobID string) string {
	return "queue:cancel:" + jobID
}

func (b *Broker) consumersKey(queue string) string {
	return "queue:consumers:" + queue
}

// Publish places a job on a queue under its routing key.
func (b *Broker) Publish(ctx context.Context, queue, routingKey, jobID string) error {
	if routingKey == "" {
		routingKey = "default"
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.metaKey(jobID), "routing_key", routingKey)
	pipe.RPush(ctx, b.readyKey(queue, routingKey), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Consume pops the next job from a queue, walking routing keys in configured
// order, and leases it for the visibility window. Empty string means no work.
func (b *Broker) Consume(ctx context.Context, queue string) (string, error) {
	keys := make([]string, 0, len(b.routingKeys)+1)
	for _, rk := range b.routingKeys {
		keys = append(keys, b.readyKey(queue, rk))
	}
	keys = append(keys, b.inflightKey(queue))

	res, err := consumeScript.Run(ctx, b.client, keys, time.Now().Add(b.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from consume script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (b *Broker) Ack(ctx context.Context, queue, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(queue), jobID)
	pipe.Del(ctx, b.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack returns an in-flight job to its ready queue for redelivery.
func (b *Broker) Nack(ctx context.Context, queue, jobID string) error {
	rk := b.routingKeyFor(ctx, jobID)
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(queue), jobID)
	pipe.RPush(ctx, b.readyKey(queue, rk), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (b *Broker) ExtendLease(ctx context.Context, queue, jobID string, extension time.Duration) error {
	return b.client.ZAdd(ctx, b.inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// ReclaimExpired re-enqueues jobs whose lease timed out and returns their ids.
func (b *Broker) ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, b.inflightKey(queue), id)
		pipe.RPush(ctx, b.readyKey(queue, b.routingKeyFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveFromReady drops a job from all ready lists of a queue, best-effort,
// as part of cancellation.
func (b *Broker) RemoveFromReady(ctx context.Context, queue, jobID string) error {
	pipe := b.client.TxPipeline()
	for _, rk := range b.routingKeys {
		pipe.LRem(ctx, b.readyKey(queue, rk), 0, jobID)
	}
	pipe.Del(ctx, b.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// SignalCancel raises the cancellation flag workers check at batch and item
// boundaries. The flag expires on its own.
func (b *Broker) SignalCancel(ctx context.Context, jobID string) error {
	return b.client.Set(ctx, b.cancelKey(jobID), "1", 24*time.Hour).Err()
}

// IsCancelled reports whether a cancellation flag is raised for a job.
func (b *Broker) IsCancelled(ctx context.Context, jobID string) bool {
	n, err := b.client.Exists(ctx, b.cancelKey(jobID)).Result()
	return err == nil && n > 0
}

// Heartbeat records a consumer as alive on a queue.
func (b *Broker) Heartbeat(ctx context.Context, queue, consumerID string, now time.Time) error {
	return b.client.ZAdd(ctx, b.consumersKey(queue), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: consumerID,
	}).Err()
}

// ConsumerCount counts consumers that heartbeat within the window.
func (b *Broker) ConsumerCount(ctx context.Context, queue string, now time.Time, window time.Duration) (int64, error) {
	min := fmt.Sprintf("%d", now.Add(-window).UnixMilli())
	return b.client.ZCount(ctx, b.consumersKey(queue), min, "+inf").Result()
}

// Waiting returns the total ready depth of a queue across routing keys.
func (b *Broker) Waiting(ctx context.Context, queue string) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(b.routingKeys))
	for _, rk := range b.routingKeys {
		cmds = append(cmds, pipe.LLen(ctx, b.readyKey(queue, rk)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Processing returns how many jobs on a queue are currently leased.
func (b *Broker) Processing(ctx context.Context, queue string) (int64, error) {
	return b.client.ZCard(ctx, b.inflightKey(queue)).Result()
}

func (b *Broker) routingKeyFor(ctx context.Context, jobID string) string {
	rk, err := b.client.HGet(ctx, b.metaKey(jobID), "routing_key").Result()
	if err != nil || rk == "" {
		return "default"
	}
	return rk
}

var consumeScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
