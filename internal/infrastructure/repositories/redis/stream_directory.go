package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "relaycast:"
	hlsPrefix       = keyPrefix + "hls:"
	activeStreamKey = hlsPrefix + "active"
	instancePrefix  = keyPrefix + "instance:"
)

// DefaultInstanceTTL is how long an instance stays listed without a heartbeat.
const DefaultInstanceTTL = 30 * time.Second

// RedisStreamDirectory shares announced HLS streams between instances. Each
// record is stored as JSON under relaycast:hls:<streamId>; the active set
// indexes the ids. Records are only listed while the announcing instance
// keeps its relaycast:instance:<id> key alive through Heartbeat.
type RedisStreamDirectory struct {
	client      *redis.Client
	instanceTTL time.Duration
}

func NewRedisStreamDirectory(client *redis.Client) ports.StreamDirectory {
	return &RedisStreamDirectory{client: client, instanceTTL: DefaultInstanceTTL}
}

func streamKey(id domain.StreamID) string {
	return hlsPrefix + string(id)
}

func instanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

// InstanceTTL reports the liveness window; heartbeats must arrive well inside it.
func (d *RedisStreamDirectory) InstanceTTL() time.Duration {
	return d.instanceTTL
}

// Heartbeat marks instanceID alive for another InstanceTTL.
func (d *RedisStreamDirectory) Heartbeat(ctx context.Context, instanceID string) error {
	if err := d.client.Set(ctx, instanceKey(instanceID), time.Now().UTC().Unix(), d.instanceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh instance liveness: %w", err)
	}
	return nil
}

func (d *RedisStreamDirectory) Announce(ctx context.Context, record domain.HlsStreamRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, streamKey(record.StreamID), data, 0)
		pipe.SAdd(ctx, activeStreamKey, string(record.StreamID))
		pipe.Set(ctx, instanceKey(record.InstanceID), time.Now().UTC().Unix(), d.instanceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to announce stream in Redis: %w", err)
	}
	return nil
}

func (d *RedisStreamDirectory) Withdraw(ctx context.Context, id domain.StreamID) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, streamKey(id))
		pipe.SRem(ctx, activeStreamKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to withdraw stream from Redis: %w", err)
	}
	return nil
}

func (d *RedisStreamDirectory) List(ctx context.Context) ([]domain.HlsStreamRecord, error) {
	ids, err := d.client.SMembers(ctx, activeStreamKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active streams: %w", err)
	}
	if len(ids) == 0 {
		return []domain.HlsStreamRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = streamKey(domain.StreamID(id))
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stream records: %w", err)
	}

	parsed := make([]domain.HlsStreamRecord, 0, len(values))
	var stale []interface{}
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var record domain.HlsStreamRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		parsed = append(parsed, record)
	}

	alive, err := d.liveInstances(ctx, parsed)
	if err != nil {
		return nil, err
	}

	records := make([]domain.HlsStreamRecord, 0, len(parsed))
	var orphaned []string
	for _, record := range parsed {
		if !alive[record.InstanceID] {
			stale = append(stale, string(record.StreamID))
			orphaned = append(orphaned, streamKey(record.StreamID))
			continue
		}
		records = append(records, record)
	}

	// index entries whose record vanished or whose instance stopped
	// heartbeating are pruned on read
	if len(stale) > 0 {
		_, _ = d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, activeStreamKey, stale...)
			if len(orphaned) > 0 {
				pipe.Del(ctx, orphaned...)
			}
			return nil
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (d *RedisStreamDirectory) liveInstances(ctx context.Context, records []domain.HlsStreamRecord) (map[string]bool, error) {
	if len(records) == 0 {
		return map[string]bool{}, nil
	}
	checks := make(map[string]*redis.IntCmd)
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, record := range records {
			if _, ok := checks[record.InstanceID]; ok {
				continue
			}
			checks[record.InstanceID] = pipe.Exists(ctx, instanceKey(record.InstanceID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check instance liveness: %w", err)
	}

	alive := make(map[string]bool, len(checks))
	for id, cmd := range checks {
		alive[id] = cmd.Val() > 0
	}
	return alive, nil
}

// WithdrawInstance removes every record announced by instanceID along with
// its liveness key. Used on shutdown so a stopped instance does not leave
// listings behind.
func (d *RedisStreamDirectory) WithdrawInstance(ctx context.Context, instanceID string) error {
	records, err := d.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.InstanceID != instanceID {
			continue
		}
		if err := d.Withdraw(ctx, record.StreamID); err != nil {
			return err
		}
	}
	if err := d.client.Del(ctx, instanceKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to drop instance liveness: %w", err)
	}
	return nil
}
