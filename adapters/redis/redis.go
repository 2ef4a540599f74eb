// Package redis provides a Redis-backed state store and checkpoint store.
//
// Each stream's state lives in a hash under "<prefix>state:<stream>", with
// set indexes per aggregate so List does not need to SCAN the keyspace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/access-news/cqrs/adapters"
)

var (
	_ adapters.StateStore        = (*StateStore)(nil)
	_ adapters.CheckpointAdapter = (*StateStore)(nil)
	_ adapters.HealthChecker     = (*StateStore)(nil)
)

// DefaultPrefix is prepended to every key when no prefix is configured.
const DefaultPrefix = "cqrs:"

// StateStore implements adapters.StateStore on Redis.
type StateStore struct {
	client goredis.UniversalClient
	prefix string
}

// Option configures a StateStore.
type Option func(*StateStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *StateStore) {
		s.prefix = prefix
	}
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts ...Option) *StateStore {
	s := &StateStore{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the Redis server at url, e.g. "redis://localhost:6379/0".
func Dial(url string, opts ...Option) (*StateStore, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cqrs/redis: parse url: %w", err)
	}
	return New(goredis.NewClient(options), opts...), nil
}

func (s *StateStore) stateKey(streamID string) string {
	return s.prefix + "state:" + streamID
}

func (s *StateStore) indexKey(aggregate string) string {
	if aggregate == "" {
		return s.prefix + "states"
	}
	return s.prefix + "states:" + aggregate
}

func (s *StateStore) checkpointKey() string {
	return s.prefix + "checkpoints"
}

// Get returns the record for a stream, or nil, nil when absent.
func (s *StateStore) Get(ctx context.Context, streamID string) (*adapters.StateRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey(streamID)).Result()
	if err != nil {
		return nil, classify("get state", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(streamID, fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put upserts the full record for a stream.
func (s *StateStore) Put(ctx context.Context, record adapters.StateRecord) error {
	if record.StreamID == "" {
		return adapters.ErrEmptyStreamID
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.stateKey(record.StreamID), map[string]interface{}{
			"aggregate":  record.Aggregate,
			"seq":        record.Seq,
			"data":       record.Data,
			"updated_at": record.UpdatedAt.UTC().UnixMilli(),
		})
		pipe.SAdd(ctx, s.indexKey(""), record.StreamID)
		pipe.SAdd(ctx, s.indexKey(record.Aggregate), record.StreamID)
		return nil
	})
	if err != nil {
		return classify("put state", err)
	}
	return nil
}

// List returns the records of an aggregate type, or every record when
// aggregate is empty, ordered by stream ID.
func (s *StateStore) List(ctx context.Context, aggregate string) ([]adapters.StateRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(aggregate)).Result()
	if err != nil {
		return nil, classify("list states", err)
	}
	sort.Strings(ids)

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.stateKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, classify("list states", err)
	}

	records := make([]adapters.StateRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		// The record may have moved aggregates since it was indexed.
		if aggregate != "" && rec.Aggregate != aggregate {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Clear removes every state record and index. Checkpoints are kept.
func (s *StateStore) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.indexKey("")).Result()
	if err != nil {
		return classify("clear states", err)
	}

	keys := []string{s.indexKey("")}
	aggregates := make(map[string]struct{})
	for _, id := range ids {
		keys = append(keys, s.stateKey(id))
		agg, err := s.client.HGet(ctx, s.stateKey(id), "aggregate").Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return classify("clear states", err)
		}
		aggregates[agg] = struct{}{}
	}
	for agg := range aggregates {
		if agg != "" {
			keys = append(keys, s.indexKey(agg))
		}
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return classify("clear states", err)
	}
	return nil
}

// setMax stores ARGV[2] in field ARGV[1] only when it is larger.
var setMax = goredis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
local incoming = tonumber(ARGV[2])
if incoming > current then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return incoming
end
return current
`)

// GetCheckpoint returns the last processed position for a projection.
func (s *StateStore) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	v, err := s.client.HGet(ctx, s.checkpointKey(), projectionName).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("get checkpoint", err)
	}
	pos, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cqrs/redis: bad checkpoint %q: %w", v, err)
	}
	return pos, nil
}

// SetCheckpoint stores the position unless a larger one is already stored.
func (s *StateStore) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	err := setMax.Run(ctx, s.client, []string{s.checkpointKey()}, projectionName, strconv.FormatUint(position, 10)).Err()
	if err != nil {
		return classify("set checkpoint", err)
	}
	return nil
}

// Ping checks the server is reachable.
func (s *StateStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the client.
func (s *StateStore) Close() error {
	return s.client.Close()
}

func decodeRecord(streamID string, fields map[string]string) (adapters.StateRecord, error) {
	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return adapters.StateRecord{}, fmt.Errorf("cqrs/redis: bad seq for %s: %w", streamID, err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return adapters.StateRecord{}, fmt.Errorf("cqrs/redis: bad updated_at for %s: %w", streamID, err)
	}
	return adapters.StateRecord{
		StreamID:  streamID,
		Aggregate: fields["aggregate"],
		Seq:       seq,
		Data:      []byte(fields["data"]),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// classify marks network failures as transient.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return adapters.NewTransientError(op, err)
	}
	return fmt.Errorf("cqrs/redis: %s: %w", op, err)
}
