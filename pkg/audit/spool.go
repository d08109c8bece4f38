package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Spool is a durable FIFO of records the sink could not take. Entries are
// removed only after the sink has stored them.
type Spool interface {
	Push(ctx context.Context, rec *Record) error
	// Peek returns up to n entries from the head without removing them
	Peek(ctx context.Context, n int) ([]SpoolEntry, error)
	// Ack removes entry if it is still at the head
	Ack(ctx context.Context, entry SpoolEntry) error
	// DeadLetter moves an undecodable or rejected entry off the head
	DeadLetter(ctx context.Context, entry SpoolEntry) error
	Len(ctx context.Context) (int64, error)
}

// SpoolEntry is one queued record in its stored encoding
type SpoolEntry struct {
	Payload string
}

// Record decodes the entry
func (e SpoolEntry) Record() (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(e.Payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode spool entry: %w", err)
	}
	return &rec, nil
}

func encodeEntry(rec *Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode spool entry: %w", err)
	}
	return string(data), nil
}

// DefaultSpoolKey is the Redis list holding spooled records
const DefaultSpoolKey = "gatekeeper:audit:spool"

// popIfHead removes the head of KEYS[1] only when it equals ARGV[1], and
// optionally pushes it to KEYS[2]. Concurrent drainers that replayed the same
// head therefore remove it exactly once.
var popIfHead = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if head == ARGV[1] then
  redis.call('LPOP', KEYS[1])
  if KEYS[2] then
    redis.call('RPUSH', KEYS[2], head)
  end
  return 1
end
return 0
`)

// RedisSpool keeps spooled records in a Redis list. Redis must be configured
// with persistence (AOF) for the spool to survive a Redis restart.
type RedisSpool struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisSpool creates a spool on key. An empty key uses DefaultSpoolKey.
func NewRedisSpool(client *redis.Client, key string) *RedisSpool {
	if key == "" {
		key = DefaultSpoolKey
	}
	return &RedisSpool{client: client, key: key, deadKey: key + ":dead"}
}

// Push appends rec to the tail
func (s *RedisSpool) Push(ctx context.Context, rec *Record) error {
	payload, err := encodeEntry(rec)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to spool decision record: %w", err)
	}
	return nil
}

// Peek returns up to n entries from the head
func (s *RedisSpool) Peek(ctx context.Context, n int) ([]SpoolEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	values, err := s.client.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	entries := make([]SpoolEntry, len(values))
	for i, v := range values {
		entries[i] = SpoolEntry{Payload: v}
	}
	return entries, nil
}

// Ack removes entry if it is still the head
func (s *RedisSpool) Ack(ctx context.Context, entry SpoolEntry) error {
	if err := popIfHead.Run(ctx, s.client, []string{s.key}, entry.Payload).Err(); err != nil {
		return fmt.Errorf("failed to ack spool entry: %w", err)
	}
	return nil
}

// DeadLetter moves entry from the head to the dead letter list
func (s *RedisSpool) DeadLetter(ctx context.Context, entry SpoolEntry) error {
	if err := popIfHead.Run(ctx, s.client, []string{s.key, s.deadKey}, entry.Payload).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter spool entry: %w", err)
	}
	return nil
}

// Len returns the number of queued entries
func (s *RedisSpool) Len(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read spool length: %w", err)
	}
	return n, nil
}
