// Package cache implements the shared AccessGrant cache. It is an
// explicit service with a defined lifecycle: constructed at process
// start, injected into the access gate, and flushed only by TTL expiry
// or explicit invalidation events.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

// GrantStore is the cache contract the access gate consumes.
type GrantStore interface {
	Get(ctx context.Context, roomID uuid.UUID, principal string) (*models.AccessGrant, error)
	Put(ctx context.Context, grant *models.AccessGrant) error
	Purge(ctx context.Context, roomID uuid.UUID, principal string) error
	PurgeRoom(ctx context.Context, roomID uuid.UUID) (int, error)
}

// GrantCache stores AccessGrants in Redis, shared across all gateway
// instances. Any instance may write; conflicts resolve by
// last-writer-wins on verified_at.
type GrantCache struct {
	client *redis.Client
}

// NewGrantCache creates a grant cache on the shared Redis handle.
func NewGrantCache(client *redis.Client) *GrantCache {
	return &GrantCache{client: client}
}

var _ GrantStore = (*GrantCache)(nil)

func grantKey(roomID uuid.UUID, principal string) string {
	return fmt.Sprintf("grant:%s:%s", roomID, principal)
}

// putIfNewer writes the candidate grant only when the stored grant is
// absent or carries an older verified_at. KEYS[1] = grant key,
// ARGV[1] = candidate JSON, ARGV[2] = candidate verified_at unix ms,
// ARGV[3] = TTL ms.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local decoded = cjson.decode(cur)
	local at = decoded['verified_at_ms']
	if at and tonumber(at) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// storedGrant is the cache wire form. verified_at_ms duplicates the
// timestamp as a number so the CAS script can compare without parsing
// RFC 3339.
type storedGrant struct {
	models.AccessGrant
	VerifiedAtMS int64 `json:"verified_at_ms"`
}

// Get returns the cached grant, or nil when absent. Expired entries
// are treated as absent even if Redis has not evicted them yet.
func (c *GrantCache) Get(ctx context.Context, roomID uuid.UUID, principal string) (*models.AccessGrant, error) {
	raw, err := c.client.Get(ctx, grantKey(roomID, principal)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("grant cache get: %w", err)
	}

	var sg storedGrant
	if err := json.Unmarshal(raw, &sg); err != nil {
		return nil, fmt.Errorf("grant cache decode: %w", err)
	}
	if sg.Expired(time.Now()) {
		return nil, nil
	}
	g := sg.AccessGrant
	return &g, nil
}

// Put writes a grant with TTL equal to its remaining lifetime.
func (c *GrantCache) Put(ctx context.Context, grant *models.AccessGrant) error {
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("grant cache put: grant already expired")
	}

	data, err := json.Marshal(storedGrant{
		AccessGrant:  *grant,
		VerifiedAtMS: grant.VerifiedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	err = putIfNewer.Run(ctx, c.client,
		[]string{grantKey(grant.RoomID, grant.Principal)},
		data, grant.VerifiedAt.UnixMilli(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("grant cache put: %w", err)
	}
	return nil
}

// Purge removes a single grant immediately, regardless of TTL. Used
// for ban invalidations, where a stale grant is a security hole.
func (c *GrantCache) Purge(ctx context.Context, roomID uuid.UUID, principal string) error {
	return c.client.Del(ctx, grantKey(roomID, principal)).Err()
}

// PurgeRoom removes every grant for a room, used when the room's
// gating rule changes. Returns the number of grants removed.
func (c *GrantCache) PurgeRoom(ctx context.Context, roomID uuid.UUID) (int, error) {
	pattern := fmt.Sprintf("grant:%s:*", roomID)
	var purged int
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return purged, err
		}
		purged++
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("grant cache purge room: %w", err)
	}
	return purged, nil
}
