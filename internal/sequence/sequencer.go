// Package sequence assigns per-room sequence numbers. Counters live in
// Redis so every gateway instance draws from the same series and an
// instance restart can never hand out a number twice.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// tombstoneTTL bounds how long a reserved-but-unused number is
// remembered. Subscribers only consult tombstones while backfilling
// recent gaps, so old entries can age out.
const tombstoneTTL = 24 * time.Hour

// Sequencer hands out strictly increasing per-room sequence numbers,
// starting at 1, via atomic increment-and-get on a shared counter.
type Sequencer struct {
	client *redis.Client
}

// NewSequencer creates a sequencer on the shared Redis handle.
func NewSequencer(client *redis.Client) *Sequencer {
	return &Sequencer{client: client}
}

func counterKey(roomID uuid.UUID) string {
	return fmt.Sprintf("seq:%s", roomID)
}

func tombstoneKey(roomID uuid.UUID) string {
	return fmt.Sprintf("seq:%s:tombstones", roomID)
}

// Next reserves the next sequence number for the room.
func (s *Sequencer) Next(ctx context.Context, roomID uuid.UUID) (uint64, error) {
	n, err := s.client.Incr(ctx, counterKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence next: %w", err)
	}
	return uint64(n), nil
}

// Current returns the highest sequence number reserved so far, zero if
// the room has never sequenced an event.
func (s *Sequencer) Current(ctx context.Context, roomID uuid.UUID) (uint64, error) {
	raw, err := s.client.Get(ctx, counterKey(roomID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("sequence current: %w", err)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence current: corrupt counter %q", raw)
	}
	return n, nil
}

// Tombstone records a reserved number whose message failed persistence.
// The counter is never rolled back; the tombstone lets delivery loops
// classify the resulting gap as intentional rather than lost.
func (s *Sequencer) Tombstone(ctx context.Context, roomID uuid.UUID, seq uint64) error {
	key := tombstoneKey(roomID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, strconv.FormatUint(seq, 10))
	pipe.Expire(ctx, key, tombstoneTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sequence tombstone: %w", err)
	}
	return nil
}

// Tombstoned reports which of the given numbers are tombstones.
func (s *Sequencer) Tombstoned(ctx context.Context, roomID uuid.UUID, seqs []uint64) (map[uint64]bool, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	members := make([]any, len(seqs))
	for i, n := range seqs {
		members[i] = strconv.FormatUint(n, 10)
	}
	flags, err := s.client.SMIsMember(ctx, tombstoneKey(roomID), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("sequence tombstoned: %w", err)
	}
	out := make(map[uint64]bool, len(seqs))
	for i, n := range seqs {
		out[n] = flags[i]
	}
	return out, nil
}
